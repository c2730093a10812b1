// Package query answers read-only measurement queries.
//
// Two shapes are supported: the history of a single sensor and a
// multi-box query that selects every box whose current location lies in a
// bounding box and returns the measurements of its sensors. Both run over
// a time window that defaults to the last 24 hours and may span at most
// 31 days.
package query
