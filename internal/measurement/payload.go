package measurement

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

// DecodePayload turns a transport payload into samples. Two shapes are
// accepted:
//
//	{"<sensorId>": value, ...}
//	[{"sensor": "<sensorId>", "value": v, "createdAt": "..."}, ...]
//
// Object values may also be [value, createdAt] pairs. When jsonPath is
// set it is a JSONPath expression such as "$.data[0]" or "$..values"; the
// first node it matches must hold one of those shapes. A leading "$." may
// be omitted. Object form samples are returned sorted by sensor id.
func DecodePayload(payload []byte, jsonPath string) ([]Sample, error) {
	doc := json.RawMessage(bytes.TrimSpace(payload))
	if len(doc) == 0 {
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "payload is empty")
	}

	if jsonPath = strings.TrimSpace(jsonPath); jsonPath != "" {
		var err error
		if doc, err = selectPath(doc, jsonPath); err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidBody, "payload path %q: %v", jsonPath, err)
		}
	}

	switch doc[0] {
	case '[':
		var samples []Sample
		if err := json.Unmarshal(doc, &samples); err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidBody, "payload array: %v", err)
		}
		return samples, nil
	case '{':
		return decodeObject(doc)
	default:
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "payload must be a JSON object or array")
	}
}

func decodeObject(doc json.RawMessage) ([]Sample, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "payload object: %v", err)
	}

	samples := make([]Sample, 0, len(fields))
	for sensorID, raw := range fields {
		s := Sample{SensorID: sensorID}
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '[' {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 || len(pair) > 2 {
				return nil, apperr.Invalid(apperr.CodeInvalidBody, "sensor %s: expected [value, createdAt]", sensorID)
			}
			raw = pair[0]
			if len(pair) == 2 {
				if err := json.Unmarshal(pair[1], &s.CreatedAt); err != nil {
					return nil, apperr.Invalid(apperr.CodeInvalidBody, "sensor %s: createdAt must be a string", sensorID)
				}
			}
		}
		if err := json.Unmarshal(raw, &s.Value); err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidBody, "sensor %s: %v", sensorID, err)
		}
		samples = append(samples, s)
	}
	sort.Slice(samples, func(a, b int) bool { return samples[a].SensorID < samples[b].SensorID })
	return samples, nil
}

// selectPath returns the first node matched by the JSONPath expression.
// Numbers are kept as json.Number so their text survives re-encoding.
func selectPath(doc json.RawMessage, path string) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "$") && !strings.HasPrefix(path, "@") {
		if strings.HasPrefix(path, "[") {
			path = "$" + path
		} else {
			path = "$." + path
		}
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}

	matches := expr.Get(data)
	if len(matches) == 0 || matches[0] == nil {
		return nil, errors.New("path selects nothing")
	}
	return json.Marshal(matches[0])
}
