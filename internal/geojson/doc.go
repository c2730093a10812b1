// Package geojson converts boxes to and from their GeoJSON representation.
//
// A box becomes a Point feature at its current location. The location
// history is dropped and the current coordinates are repeated as lat and
// lng properties, so consumers that only read properties still see them:
//
//	{"type":"Feature","geometry":{"type":"Point","coordinates":[7.62,51.96]},
//	 "properties":{"_id":"...","name":"...","lat":51.96,"lng":7.62,...}}
//
// ToCanonical is the inverse for features produced by ToGeoJSON.
package geojson
