package geojson

import (
	"strings"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

// Format is the representation of box responses.
type Format int

// Output formats.
const (
	FormatJSON Format = iota
	FormatGeoJSON
)

func (f Format) String() string {
	if f == FormatGeoJSON {
		return "geojson"
	}
	return "json"
}

// ContentType returns the media type of f.
func (f Format) ContentType() string {
	if f == FormatGeoJSON {
		return "application/geo+json"
	}
	return "application/json"
}

// ParseFormat parses a format name. The empty string means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "geojson":
		return FormatGeoJSON, nil
	default:
		return FormatJSON, apperr.Invalid(apperr.CodeInvalidFormat, "unknown format %q, want json or geojson", s)
	}
}

// ResolveFormat picks the format from a path extension, falling back to
// a query parameter. The extension wins when both are set.
func ResolveFormat(extension, query string) (Format, error) {
	if extension != "" {
		return ParseFormat(extension)
	}
	return ParseFormat(query)
}

// SplitID separates an id path segment such as "5a1b.geojson" into the id
// and its extension.
func SplitID(segment string) (id, extension string) {
	id, extension, _ = strings.Cut(segment, ".")
	return id, extension
}
