package box

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

func TestParseBBox(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    BBox
		wantErr bool
	}{
		{"valid", "7,51,8,52", NewBBox(7, 51, 8, 52), false},
		{"spaces", " -10.5, -20 ,10.5,20 ", NewBBox(-10.5, -20, 10.5, 20), false},
		{"world", "-180,-90,180,90", NewBBox(-180, -90, 180, 90), false},
		{"too few", "1,2,3", BBox{}, true},
		{"not a number", "a,2,3,4", BBox{}, true},
		{"degenerate lng", "7,51,7,52", BBox{}, true},
		{"inverted lat", "7,52,8,51", BBox{}, true},
		{"lng out of range", "-181,0,0,1", BBox{}, true},
		{"lat out of range", "0,0,1,91", BBox{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBBox(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBBox(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, apperr.Validation) || apperr.CodeOf(err) != apperr.CodeInvalidBBox {
					t.Errorf("error = %v, want invalid_bbox", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseBBox(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBBox_Contains(t *testing.T) {
	b := NewBBox(7, 51, 8, 52)
	tests := []struct {
		lng, lat float64
		want     bool
	}{
		{7.5, 51.5, true},
		{7, 51, true},
		{8, 52, true},
		{6.9, 51.5, false},
		{7.5, 52.1, false},
	}
	for _, tt := range tests {
		if got := b.Contains(orb.Point{tt.lng, tt.lat}); got != tt.want {
			t.Errorf("Contains(%v, %v) = %v, want %v", tt.lng, tt.lat, got, tt.want)
		}
	}
}
