package box

import (
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

// BBox is a geographic bounding box. Min is the south-west corner and Max
// the north-east corner, both as [lng, lat]. Containment is edge inclusive.
type BBox struct {
	orb.Bound
}

// NewBBox returns the box spanning minLng..maxLng and minLat..maxLat.
func NewBBox(minLng, minLat, maxLng, maxLat float64) BBox {
	return BBox{orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{maxLng, maxLat},
	}}
}

// ParseBBox parses "minLng,minLat,maxLng,maxLat" and validates it.
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, apperr.Invalid(apperr.CodeInvalidBBox, "bbox needs 4 comma separated numbers: minLng,minLat,maxLng,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, apperr.Invalid(apperr.CodeInvalidBBox, "bbox value %q is not a number", p)
		}
		v[i] = f
	}
	b := NewBBox(v[0], v[1], v[2], v[3])
	if err := b.Validate(); err != nil {
		return BBox{}, err
	}
	return b, nil
}

// Validate rejects boxes that are out of range or have zero area.
func (b BBox) Validate() error {
	for _, f := range []float64{b.Left(), b.Bottom(), b.Right(), b.Top()} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return apperr.Invalid(apperr.CodeInvalidBBox, "bbox values must be finite")
		}
	}
	if b.Left() < -180 || b.Right() > 180 {
		return apperr.Invalid(apperr.CodeInvalidBBox, "bbox longitude out of range [-180, 180]")
	}
	if b.Bottom() < -90 || b.Top() > 90 {
		return apperr.Invalid(apperr.CodeInvalidBBox, "bbox latitude out of range [-90, 90]")
	}
	if b.Left() >= b.Right() || b.Bottom() >= b.Top() {
		return apperr.Invalid(apperr.CodeInvalidBBox, "bbox is degenerate: min must be below max on both axes")
	}
	return nil
}
