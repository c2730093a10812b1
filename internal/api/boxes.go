package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/geojson"
)

// CreateBoxResponse is returned by POST /boxes.
type CreateBoxResponse struct {
	User *box.User `json:"user"`
	Box  *box.Box  `json:"box"`
}

// SensorsView is returned by GET /boxes/{boxId}/sensors.
type SensorsView struct {
	ID      string       `json:"_id"`
	Sensors []box.Sensor `json:"sensors"`
}

// createBoxBody is the JSON form of POST /boxes. tag and orderID are the
// legacy names of grouptag and apikey.
type createBoxBody struct {
	Name     string            `json:"name"`
	BoxType  string            `json:"boxType"`
	Exposure string            `json:"exposure"`
	Grouptag string            `json:"grouptag"`
	Tag      string            `json:"tag"`
	Loc      json.RawMessage   `json:"loc"`
	Location json.RawMessage   `json:"location"`
	Model    string            `json:"model"`
	Sensors  []box.SensorInput `json:"sensors"`
	APIKey   string            `json:"apikey"`
	OrderID  string            `json:"orderID"`
	User     box.Profile       `json:"user"`
}

// createBoxFields are the keys of createBoxBody; the rest pass through.
var createBoxFields = []string{
	"name", "boxType", "exposure", "grouptag", "tag", "loc", "location",
	"model", "sensors", "apikey", "orderID", "user",
}

// handleListBoxes returns all boxes matching the query filters, as JSON
// or as a GeoJSON FeatureCollection.
//
// Query parameters:
//   - exposure, grouptag, boxType: exact match
//   - phenomenon: box has a sensor with this title
//   - bbox: minLng,minLat,maxLng,maxLat
//   - format: json or geojson (a .json/.geojson extension wins)
func (s *Server) handleListBoxes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := geojson.ResolveFormat(chi.URLParam(r, "format"), q.Get("format"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := box.Filter{
		Exposure:   q.Get("exposure"),
		Grouptag:   q.Get("grouptag"),
		BoxType:    q.Get("boxType"),
		Phenomenon: q.Get("phenomenon"),
	}
	if raw := q.Get("bbox"); raw != "" {
		bbox, err := box.ParseBBox(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.BBox = &bbox
	}

	boxes, err := s.registry.FindAllBoxes(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if format == geojson.FormatGeoJSON {
		fc, err := geojson.ToFeatureCollection(boxes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSONAs(w, http.StatusOK, format.ContentType(), fc)
		return
	}
	if boxes == nil {
		boxes = []box.Box{}
	}
	writeJSON(w, http.StatusOK, boxes)
}

// handleGetBox returns one box with the latest reading of each sensor.
// The id segment may carry a .json or .geojson extension.
func (s *Server) handleGetBox(w http.ResponseWriter, r *http.Request) {
	id, ext := geojson.SplitID(chi.URLParam(r, "boxId"))
	format, err := geojson.ResolveFormat(ext, r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.registry.BoxWithSensors(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if format == geojson.FormatGeoJSON {
		f, err := geojson.ToGeoJSON(*b)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSONAs(w, http.StatusOK, format.ContentType(), f)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleBoxSensors returns the box's sensors with their latest reading.
func (s *Server) handleBoxSensors(w http.ResponseWriter, r *http.Request) {
	b, err := s.registry.BoxWithSensors(r.Context(), chi.URLParam(r, "boxId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SensorsView{ID: b.ID, Sensors: b.Sensors})
}

// handleCreateBox registers a box (and its owner when the apikey is new).
// The body is either the JSON form or a GeoJSON Feature whose properties
// carry the same fields.
func (s *Server) handleCreateBox(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req box.CreateRequest
	if isFeature(data) {
		req, err = createRequestFromFeature(data)
	} else {
		req, err = createRequestFromJSON(data)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	u, b, err := s.registry.CreateBox(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateBoxResponse{User: u, Box: b})
}

// handleUpdateBox applies a partial update. Unknown keys are stored as
// pass-through fields; a null value removes such a field.
func (s *Server) handleUpdateBox(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	patch, err := parsePatch(data, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.registry.UpdateBox(r.Context(), chi.URLParam(r, "boxId"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleDeleteBox removes the box and its sensors. Measurements are kept.
func (s *Server) handleDeleteBox(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteBox(r.Context(), chi.URLParam(r, "boxId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFirmware serves the rendered sketch, rendering it first when
// provisioning never completed.
func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	if s.firmware == nil {
		s.writeError(w, r, apperr.New(apperr.Internal, "firmware provisioning not configured"))
		return
	}

	b, err := s.registry.EnsureFirmware(r.Context(), chi.URLParam(r, "boxId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := s.firmware.Open(b.ID)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.TemplateRead, "api.firmware", err, "firmware file is not readable"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+b.ID+`.ino"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("writing firmware response", "box_id", b.ID, "error", err)
	}
}

// handleValidateAPIKey reports whether X-ApiKey owns the box.
func (s *Server) handleValidateAPIKey(w http.ResponseWriter, r *http.Request) {
	apikey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if apikey == "" {
		writeUnauthorized(w, APIKeyHeader+" header is required")
		return
	}

	ok, err := s.registry.ValidateAPIKey(r.Context(), apikey, chi.URLParam(r, "boxId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeErrorCode(w, http.StatusForbidden, string(apperr.Auth), "ApiKey is invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":    ErrCodeAuthorized,
		"message": "ApiKey is valid",
	})
}

// readBody reads the whole request body, mapping an oversized body to a
// validation error.
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Invalid(ErrCodeBodyTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "could not read request body")
	}
	return data, nil
}

// isFeature reports whether data is a GeoJSON Feature object.
func isFeature(data []byte) bool {
	var shape struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &shape) == nil && shape.Type == "Feature"
}

func createRequestFromJSON(data []byte) (box.CreateRequest, error) {
	var body createBoxBody
	if err := json.Unmarshal(data, &body); err != nil {
		return box.CreateRequest{}, apperr.Invalid(apperr.CodeInvalidBody, "invalid JSON body: %v", err)
	}

	raw := body.Loc
	if len(bytes.TrimSpace(body.Location)) > 0 {
		raw = body.Location
	}
	// The registry stamps a zero timestamp with the creation time.
	loc, err := box.ParseLocation(raw, time.Time{})
	if err != nil {
		return box.CreateRequest{}, err
	}

	req := box.CreateRequest{
		Name:     body.Name,
		BoxType:  body.BoxType,
		Exposure: body.Exposure,
		Grouptag: firstNonEmpty(body.Grouptag, body.Tag),
		Location: loc,
		Model:    body.Model,
		Sensors:  body.Sensors,
		APIKey:   firstNonEmpty(body.APIKey, body.OrderID),
		User:     body.User,
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err == nil {
		for _, k := range createBoxFields {
			delete(all, k)
		}
		if len(all) > 0 {
			req.Extra = all
		}
	}
	return req, nil
}

func createRequestFromFeature(data []byte) (box.CreateRequest, error) {
	b, err := geojson.DecodeFeature(data)
	if err != nil {
		return box.CreateRequest{}, err
	}

	req := box.CreateRequest{
		Name:     b.Name,
		BoxType:  b.BoxType,
		Exposure: b.Exposure,
		Grouptag: b.Grouptag,
		Model:    b.Model,
	}
	if loc, ok := b.CurrentLocation(); ok {
		req.Location = loc
	}
	for _, sn := range b.Sensors {
		req.Sensors = append(req.Sensors, box.SensorInput{Title: sn.Title, Unit: sn.Unit, SensorType: sn.SensorType})
	}

	extra := b.Extra
	if u, ok := extra["user"]; ok {
		raw, err := json.Marshal(u)
		if err == nil {
			err = json.Unmarshal(raw, &req.User)
		}
		if err != nil {
			return box.CreateRequest{}, apperr.Invalid(apperr.CodeInvalidBody, "invalid user profile")
		}
		delete(extra, "user")
	}
	for _, k := range []string{"apikey", "orderID"} {
		if v, ok := extra[k].(string); ok && req.APIKey == "" {
			req.APIKey = v
		}
		delete(extra, k)
	}
	if tag, ok := extra["tag"].(string); ok && req.Grouptag == "" {
		req.Grouptag = tag
	}
	delete(extra, "tag")
	if len(extra) > 0 {
		req.Extra = extra
	}
	return req, nil
}

// parsePatch decodes an update body.
func parsePatch(data []byte, now time.Time) (box.Patch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return box.Patch{}, apperr.Invalid(apperr.CodeInvalidBody, "body must be a JSON object")
	}

	var patch box.Patch
	for key, raw := range fields {
		var err error
		switch key {
		case "name":
			patch.Name, err = stringField(key, raw)
		case "boxType":
			patch.BoxType, err = stringField(key, raw)
		case "exposure":
			patch.Exposure, err = stringField(key, raw)
		case "grouptag", "tag":
			patch.Grouptag, err = stringField(key, raw)
		case "image":
			patch.Image, err = stringField(key, raw)
		case "loc", "location":
			var loc box.Location
			loc, err = box.ParseLocation(raw, now)
			patch.Location = &loc
		case "_id", "sensors", "locations", "createdAt", "updatedAt", "model":
			err = apperr.Invalid(apperr.CodeInvalidBody, "%s cannot be updated", key)
		default:
			var v any
			if err = json.Unmarshal(raw, &v); err != nil {
				err = apperr.Invalid(apperr.CodeInvalidBody, "invalid value for %s", key)
				break
			}
			if patch.Extra == nil {
				patch.Extra = map[string]any{}
			}
			patch.Extra[key] = v
		}
		if err != nil {
			return box.Patch{}, err
		}
	}
	return patch, nil
}

func stringField(key string, raw json.RawMessage) (*string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidBody, "%s must be a string", key)
	}
	return &s, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
