package api

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/measurement"
	"github.com/sensemap/sensemap-core/internal/query"
)

// measurementBody is the body of POST /boxes/{boxId}/{sensorId}.
type measurementBody struct {
	Value     *measurement.Value `json:"value"`
	CreatedAt string             `json:"createdAt"`
}

// multiBoxBody is the JSON form of POST /boxes/data.
type multiBoxBody struct {
	BBox       string `json:"bbox"`
	FromDate   string `json:"from-date"`
	ToDate     string `json:"to-date"`
	Phenomenon string `json:"phenomenon"`
}

// handleSubmitMeasurement stores one value sent in the body, or in the
// value and createdAt query parameters when the body is empty.
func (s *Server) handleSubmitMeasurement(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sample := measurement.Sample{SensorID: chi.URLParam(r, "sensorId")}
	if len(bytes.TrimSpace(data)) == 0 {
		q := r.URL.Query()
		sample.Value = measurement.Value(q.Get("value"))
		sample.CreatedAt = q.Get("createdAt")
	} else {
		var body measurementBody
		if err := json.Unmarshal(data, &body); err != nil {
			s.writeError(w, r, apperr.Invalid(apperr.CodeInvalidBody, "invalid JSON body: %v", err))
			return
		}
		if body.Value != nil {
			sample.Value = *body.Value
		}
		sample.CreatedAt = body.CreatedAt
	}

	s.submitOne(w, r, sample)
}

// handleSubmitMeasurementPath stores the value carried in the path.
func (s *Server) handleSubmitMeasurementPath(w http.ResponseWriter, r *http.Request) {
	s.submitOne(w, r, measurement.Sample{
		SensorID:  chi.URLParam(r, "sensorId"),
		Value:     measurement.Value(chi.URLParam(r, "value")),
		CreatedAt: r.URL.Query().Get("createdAt"),
	})
}

func (s *Server) submitOne(w http.ResponseWriter, r *http.Request, sample measurement.Sample) {
	m, err := s.ingestor.SubmitOne(r.Context(), chi.URLParam(r, "boxId"), sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleSubmitBatch stores a batch for one box. The body is either an
// object keyed by sensor id or an array of {sensor, value, createdAt}.
// Invalid items are reported without discarding the valid ones; a batch
// where nothing was accepted answers 400 with the same report.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	samples, err := measurement.DecodePayload(data, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.ingestor.SubmitBatch(r.Context(), chi.URLParam(r, "boxId"), samples)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if report.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, report)
}

// handleSensorHistory returns a sensor's measurements in ascending time.
//
// Query parameters from-date and to-date (or from and to) bound the
// window; the default is the last 24 hours.
func (s *Server) handleSensorHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(firstNonEmpty(q.Get("from-date"), q.Get("from")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseTimeParam(firstNonEmpty(q.Get("to-date"), q.Get("to")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ms, err := s.query.History(r.Context(), chi.URLParam(r, "boxId"), chi.URLParam(r, "sensorId"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ms == nil {
		ms = []measurement.Measurement{}
	}
	writeJSON(w, http.StatusOK, ms)
}

// handleMultiBox returns measurements of all boxes inside a bounding box.
// GET reads the query string; POST reads a JSON or form body.
func (s *Server) handleMultiBox(w http.ResponseWriter, r *http.Request) {
	params, err := multiBoxParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if params.BBox == "" {
		s.writeError(w, r, apperr.Invalid(apperr.CodeInvalidBBox, "bbox is required"))
		return
	}
	bbox, err := box.ParseBBox(params.BBox)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := parseTimeParam(params.FromDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseTimeParam(params.ToDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.query.MultiBox(r.Context(), query.MultiBoxQuery{
		BBox:       bbox,
		From:       from,
		To:         to,
		Phenomenon: params.Phenomenon,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []query.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func multiBoxParams(r *http.Request) (multiBoxBody, error) {
	if r.Method != http.MethodPost {
		return multiBoxFromValues(r.URL.Query()), nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		data, err := readBody(r)
		if err != nil {
			return multiBoxBody{}, err
		}
		var body multiBoxBody
		if err := json.Unmarshal(data, &body); err != nil {
			return multiBoxBody{}, apperr.Invalid(apperr.CodeInvalidBody, "invalid JSON body: %v", err)
		}
		return body, nil
	}

	if err := r.ParseForm(); err != nil {
		return multiBoxBody{}, apperr.Invalid(apperr.CodeInvalidBody, "invalid form body")
	}
	return multiBoxFromValues(r.Form), nil
}

func multiBoxFromValues(v url.Values) multiBoxBody {
	return multiBoxBody{
		BBox:       v.Get("bbox"),
		FromDate:   v.Get("from-date"),
		ToDate:     v.Get("to-date"),
		Phenomenon: v.Get("phenomenon"),
	}
}

// parseTimeParam parses an optional query timestamp. Empty means unset.
func parseTimeParam(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := measurement.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, apperr.Invalid(apperr.CodeInvalidTimeRange, "%s is not a valid ISO 8601 date", raw)
	}
	return t, nil
}
