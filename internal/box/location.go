package box

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

// Location is a GeoJSON Point feature with a timestamp.
type Location struct {
	Type       string         `json:"type"`
	Geometry   *Point         `json:"geometry"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Point is a GeoJSON Point geometry: an orb.Point holding [lng, lat] and
// an optional altitude.
type Point struct {
	orb.Point
	Alt *float64
}

// NewPoint returns the point at lng/lat with optional altitude.
func NewPoint(lng, lat float64, alt ...float64) *Point {
	p := &Point{Point: orb.Point{lng, lat}}
	if len(alt) > 0 {
		a := alt[0]
		p.Alt = &a
	}
	return p
}

func pointFromCoordinates(coords []float64) (*Point, error) {
	switch len(coords) {
	case 2:
		return NewPoint(coords[0], coords[1]), nil
	case 3:
		return NewPoint(coords[0], coords[1], coords[2]), nil
	default:
		return nil, fmt.Errorf("point needs [lng, lat] or [lng, lat, alt], got %d coordinates", len(coords))
	}
}

// Coordinates returns the GeoJSON coordinate array.
func (p Point) Coordinates() []float64 {
	coords := []float64{p.Lon(), p.Lat()}
	if p.Alt != nil {
		coords = append(coords, *p.Alt)
	}
	return coords
}

type pointJSON struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// MarshalJSON encodes p as a GeoJSON Point.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{Type: "Point", Coordinates: p.Coordinates()})
}

// UnmarshalJSON decodes a GeoJSON Point with two or three coordinates.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw pointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "" && raw.Type != "Point" {
		return fmt.Errorf("geometry must be a Point, got %s", raw.Type)
	}
	q, err := pointFromCoordinates(raw.Coordinates)
	if err != nil {
		return err
	}
	*p = *q
	return nil
}

// NewLocation builds a location at lng/lat with optional altitude.
func NewLocation(lng, lat float64, ts time.Time, alt ...float64) Location {
	return Location{
		Type:      "Feature",
		Geometry:  NewPoint(lng, lat, alt...),
		Timestamp: ts,
	}
}

// Lng returns the longitude.
func (l Location) Lng() float64 {
	if l.Geometry == nil {
		return math.NaN()
	}
	return l.Geometry.Lon()
}

// Lat returns the latitude.
func (l Location) Lat() float64 {
	if l.Geometry == nil {
		return math.NaN()
	}
	return l.Geometry.Lat()
}

// Altitude returns the optional third coordinate.
func (l Location) Altitude() (float64, bool) {
	if l.Geometry == nil || l.Geometry.Alt == nil {
		return 0, false
	}
	return *l.Geometry.Alt, true
}

// Validate checks that the location has finite coordinates inside the
// valid longitude/latitude ranges.
func (l Location) Validate() error {
	if l.Geometry == nil {
		return apperr.Invalid(apperr.CodeInvalidLocation, "location is required")
	}
	for _, c := range l.Geometry.Coordinates() {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return apperr.Invalid(apperr.CodeInvalidLocation, "location coordinates must be finite")
		}
	}
	if lng := l.Lng(); lng < -180 || lng > 180 {
		return apperr.Invalid(apperr.CodeInvalidLocation, "longitude %v out of range [-180, 180]", lng)
	}
	if lat := l.Lat(); lat < -90 || lat > 90 {
		return apperr.Invalid(apperr.CodeInvalidLocation, "latitude %v out of range [-90, 90]", lat)
	}
	return nil
}

// ParseLocation accepts the location shapes clients send:
//   - a GeoJSON Feature or bare Point geometry
//   - a list of Features (the last one is used)
//   - an object {"lat": .., "lng": .., "height": ..}
//   - a coordinate array [lng, lat(, alt)]
//
// A missing timestamp defaults to now.
func ParseLocation(raw json.RawMessage, now time.Time) (Location, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return Location{}, apperr.Invalid(apperr.CodeInvalidLocation, "location is required")
	}

	var loc Location
	var err error
	switch raw[0] {
	case '[':
		loc, err = parseLocationArray(raw)
	case '{':
		loc, err = parseLocationObject(raw)
	default:
		err = fmt.Errorf("unsupported location encoding")
	}
	if err != nil {
		return Location{}, apperr.Invalid(apperr.CodeInvalidLocation, "invalid location: %v", err)
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	loc.Type = "Feature"
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

func parseLocationArray(raw json.RawMessage) (Location, error) {
	var coords []float64
	if err := json.Unmarshal(raw, &coords); err == nil {
		p, err := pointFromCoordinates(coords)
		if err != nil {
			return Location{}, err
		}
		return Location{Geometry: p}, nil
	}

	var features []json.RawMessage
	if err := json.Unmarshal(raw, &features); err != nil {
		return Location{}, err
	}
	if len(features) == 0 {
		return Location{}, fmt.Errorf("empty location list")
	}
	return parseLocationObject(features[len(features)-1])
}

func parseLocationObject(raw json.RawMessage) (Location, error) {
	var shape struct {
		Type        string          `json:"type"`
		Geometry    *Point          `json:"geometry"`
		Coordinates []float64       `json:"coordinates"`
		Properties  map[string]any  `json:"properties"`
		Timestamp   *time.Time      `json:"timestamp"`
		Lat         json.RawMessage `json:"lat"`
		Lng         json.RawMessage `json:"lng"`
		Height      json.RawMessage `json:"height"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Location{}, err
	}

	var loc Location
	switch {
	case shape.Geometry != nil:
		loc.Geometry = shape.Geometry
	case shape.Type == "Point":
		p, err := pointFromCoordinates(shape.Coordinates)
		if err != nil {
			return Location{}, err
		}
		loc.Geometry = p
	case shape.Lat != nil && shape.Lng != nil:
		lat, err := looseFloat(shape.Lat)
		if err != nil {
			return Location{}, fmt.Errorf("lat: %w", err)
		}
		lng, err := looseFloat(shape.Lng)
		if err != nil {
			return Location{}, fmt.Errorf("lng: %w", err)
		}
		loc.Geometry = NewPoint(lng, lat)
		if shape.Height != nil {
			h, err := looseFloat(shape.Height)
			if err != nil {
				return Location{}, fmt.Errorf("height: %w", err)
			}
			loc.Geometry.Alt = &h
		}
	default:
		return Location{}, fmt.Errorf("no geometry or lat/lng")
	}

	loc.Properties = shape.Properties
	if shape.Timestamp != nil {
		loc.Timestamp = shape.Timestamp.UTC()
	}
	return loc, nil
}

// looseFloat accepts a JSON number or a numeric string.
func looseFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
