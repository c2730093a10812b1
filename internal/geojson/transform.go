package geojson

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
)

// Property keys added by ToGeoJSON.
const (
	PropLat    = "lat"
	PropLng    = "lng"
	PropHeight = "height"
)

// ToGeoJSON returns b as a Point feature at its current location.
func ToGeoJSON(b box.Box) (*geojson.Feature, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding box %s: %w", b.ID, err)
	}
	props := geojson.Properties{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decoding box %s: %w", b.ID, err)
	}
	delete(props, "locations")

	var geometry orb.Geometry
	if loc, ok := b.CurrentLocation(); ok && loc.Geometry != nil {
		geometry = loc.Geometry.Point
		props[PropLat] = loc.Lat()
		props[PropLng] = loc.Lng()
		if alt, ok := loc.Altitude(); ok {
			props[PropHeight] = alt
		}
	}

	f := geojson.NewFeature(geometry)
	f.Properties = props
	return f, nil
}

// ToFeatureCollection converts every box.
func ToFeatureCollection(boxes []box.Box) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, b := range boxes {
		f, err := ToGeoJSON(b)
		if err != nil {
			return nil, err
		}
		fc.Append(f)
	}
	return fc, nil
}

// ToCanonical turns a feature back into a box. The geometry gives the
// current location; a feature without geometry falls back to the lat and
// lng properties. The location timestamp is left zero.
func ToCanonical(f *geojson.Feature) (box.Box, error) {
	if f == nil {
		return box.Box{}, apperr.Invalid(apperr.CodeInvalidBody, "feature is empty")
	}

	loc, err := featureLocation(f)
	if err != nil {
		return box.Box{}, err
	}

	props := make(map[string]any, len(f.Properties))
	for k, v := range f.Properties {
		props[k] = v
	}
	delete(props, PropLat)
	delete(props, PropLng)
	delete(props, PropHeight)

	data, err := json.Marshal(props)
	if err != nil {
		return box.Box{}, apperr.Invalid(apperr.CodeInvalidBody, "feature properties: %v", err)
	}
	var b box.Box
	if err := json.Unmarshal(data, &b); err != nil {
		return box.Box{}, apperr.Invalid(apperr.CodeInvalidBody, "feature properties: %v", err)
	}
	b.Locations = []box.Location{loc}
	return b, nil
}

// DecodeFeature parses a GeoJSON feature and converts it with ToCanonical.
func DecodeFeature(data []byte) (box.Box, error) {
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return box.Box{}, apperr.Invalid(apperr.CodeInvalidBody, "invalid GeoJSON feature: %v", err)
	}
	return ToCanonical(f)
}

func featureLocation(f *geojson.Feature) (box.Location, error) {
	var lng, lat float64
	switch g := f.Geometry.(type) {
	case orb.Point:
		lng, lat = g.Lon(), g.Lat()
	case nil:
		var okLng, okLat bool
		lng, okLng = f.Properties[PropLng].(float64)
		lat, okLat = f.Properties[PropLat].(float64)
		if !okLng || !okLat {
			return box.Location{}, apperr.Invalid(apperr.CodeInvalidLocation, "feature has neither a point geometry nor lat/lng properties")
		}
	default:
		return box.Location{}, apperr.Invalid(apperr.CodeInvalidLocation, "feature geometry must be a Point, got %s", g.GeoJSONType())
	}

	var alt []float64
	if h, ok := f.Properties[PropHeight].(float64); ok {
		alt = append(alt, h)
	}
	loc := box.NewLocation(lng, lat, time.Time{}, alt...)
	if err := loc.Validate(); err != nil {
		return box.Location{}, err
	}
	return loc, nil
}
