package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/infrastructure/config"
	"github.com/sensemap/sensemap-core/internal/measurement"
	"github.com/sensemap/sensemap-core/internal/query"
)

func firstSensor(t *testing.T, b *box.Box) string {
	t.Helper()
	if len(b.Sensors) == 0 {
		t.Fatal("box has no sensors")
	}
	return b.Sensors[0].ID
}

func TestSubmitMeasurement_Body(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	sensorID := firstSensor(t, b)

	rec := env.do(t, http.MethodPost, "/boxes/"+b.ID+"/"+sensorID, `{"value": 21.5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var m measurement.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || m.Value != "21.5" || m.SensorID != sensorID {
		t.Errorf("measurement = %+v", m)
	}

	rec = env.do(t, http.MethodGet, "/boxes/"+b.ID+"/sensors", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sensors status = %d", rec.Code)
	}
	var view SensorsView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.ID != b.ID {
		t.Errorf("view id = %q", view.ID)
	}
	for _, s := range view.Sensors {
		if s.ID != sensorID {
			continue
		}
		if s.LastMeasurement == nil || s.LastMeasurement.Value != "21.5" {
			t.Errorf("lastMeasurement = %+v", s.LastMeasurement)
		}
	}
}

func TestSubmitMeasurement_QueryAndPath(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	sensorID := firstSensor(t, b)
	base := "/boxes/" + b.ID + "/" + sensorID

	if rec := env.do(t, http.MethodPost, base+"?value=3", ""); rec.Code != http.StatusCreated {
		t.Errorf("query form: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, base+"/submitMeasurement/4.25", ""); rec.Code != http.StatusCreated {
		t.Errorf("path form: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/boxes/"+b.ID+"/data/"+sensorID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ms []measurement.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &ms); err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("history = %d measurements, want 2", len(ms))
	}
	if ms[0].CreatedAt.After(ms[1].CreatedAt) {
		t.Error("history not in ascending order")
	}
}

func TestSubmitMeasurement_Rejected(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	sensorID := firstSensor(t, b)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"not a number", "/boxes/" + b.ID + "/" + sensorID, `{"value":"warm"}`, http.StatusBadRequest, apperr.CodeInvalidValue},
		{"missing value", "/boxes/" + b.ID + "/" + sensorID, `{}`, http.StatusBadRequest, apperr.CodeInvalidValue},
		{"future timestamp", "/boxes/" + b.ID + "/" + sensorID, `{"value":1,"createdAt":"` + future + `"}`, http.StatusBadRequest, apperr.CodeInvalidTimestamp},
		{"bad timestamp", "/boxes/" + b.ID + "/" + sensorID, `{"value":1,"createdAt":"yesterday"}`, http.StatusBadRequest, apperr.CodeInvalidTimestamp},
		{"broken json", "/boxes/" + b.ID + "/" + sensorID, `{"value":`, http.StatusBadRequest, apperr.CodeInvalidBody},
		{"unknown sensor", "/boxes/" + b.ID + "/nope", `{"value":1}`, http.StatusNotFound, ""},
		{"unknown box", "/boxes/nope/" + sensorID, `{"value":1}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if e := decodeError(t, rec); e.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
				}
			}
		})
	}
}

func TestSubmitBatch(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	s0, s1 := b.Sensors[0].ID, b.Sensors[1].ID

	body := fmt.Sprintf(`{%q: 1.5, %q: "bad", "ghost": 2}`, s0, s1)
	rec := env.do(t, http.MethodPost, "/boxes/"+b.ID+"/data", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report measurement.BatchReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Accepted != 1 || report.Rejected != 2 || len(report.Items) != 3 {
		t.Errorf("report = %+v", report)
	}
	for _, item := range report.Items {
		if item.SensorID == s0 && item.Error != nil {
			t.Errorf("valid item rejected: %+v", item.Error)
		}
		if item.SensorID == s1 && (item.Error == nil || item.Error.Code != apperr.CodeInvalidValue) {
			t.Errorf("invalid value item = %+v", item)
		}
	}
}

func TestSubmitBatch_ArrayForm(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	s0 := b.Sensors[0].ID
	ts := time.Now().Add(-5 * time.Minute).UTC().Format(time.RFC3339)

	body := fmt.Sprintf(`[{"sensor":%q,"value":1},{"sensor":%q,"value":"2.5","createdAt":%q}]`, s0, s0, ts)
	rec := env.do(t, http.MethodPost, "/boxes/"+b.ID+"/data", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report measurement.BatchReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", report.Accepted)
	}

	// The older sample must not replace the newer one as latest.
	rec = env.do(t, http.MethodGet, "/boxes/"+b.ID+"/sensors", "")
	var view SensorsView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Sensors[0].LastMeasurement == nil || view.Sensors[0].LastMeasurement.Value != "1" {
		t.Errorf("lastMeasurement = %+v, want the newest value", view.Sensors[0].LastMeasurement)
	}
}

func TestSubmitBatch_NothingAccepted(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box

	rec := env.do(t, http.MethodPost, "/boxes/"+b.ID+"/data", `{"ghost": 1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report measurement.BatchReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Rejected != 1 {
		t.Errorf("report = %+v", report)
	}

	for _, body := range []string{`{}`, `[]`, `"x"`} {
		if rec := env.do(t, http.MethodPost, "/boxes/"+b.ID+"/data", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSensorHistory_InvalidWindow(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	path := "/boxes/" + b.ID + "/data/" + firstSensor(t, b)
	now := time.Now().UTC()

	tests := []struct {
		name  string
		query url.Values
	}{
		{"unparseable", url.Values{"from-date": {"last week"}}},
		{"from after to", url.Values{
			"from-date": {now.Add(-time.Hour).Format(time.RFC3339)},
			"to-date":   {now.Add(-2 * time.Hour).Format(time.RFC3339)},
		}},
		{"longer than a month", url.Values{
			"from-date": {now.Add(-40 * 24 * time.Hour).Format(time.RFC3339)},
			"to-date":   {now.Add(-time.Hour).Format(time.RFC3339)},
		}},
		{"future end", url.Values{"to-date": {now.Add(24 * time.Hour).Format(time.RFC3339)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path+"?"+tt.query.Encode(), "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if e := decodeError(t, rec); e.Code != apperr.CodeInvalidTimeRange {
				t.Errorf("code = %q", e.Code)
			}
		})
	}
}

func TestSensorHistory_Empty(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box

	rec := env.do(t, http.MethodGet, "/boxes/"+b.ID+"/data/"+firstSensor(t, b), "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("GET empty history = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMultiBox(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	for _, s := range b.Sensors {
		env.do(t, http.MethodPost, "/boxes/"+b.ID+"/"+s.ID, `{"value": 1}`)
	}
	env.createBox(t, `{"name":"Far","boxType":"fixed","loc":[139.69,35.68],"sensors":[{"title":"Temperatur","unit":"°C"}]}`)

	decode := func(t *testing.T, body string) []query.Row {
		t.Helper()
		var rows []query.Row
		if err := json.Unmarshal([]byte(body), &rows); err != nil {
			t.Fatal(err)
		}
		return rows
	}

	rec := env.do(t, http.MethodGet, "/boxes/data?bbox=7,51,8,52", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rows := decode(t, rec.Body.String())
	if len(rows) != len(b.Sensors) {
		t.Errorf("rows = %d, want %d", len(rows), len(b.Sensors))
	}
	for _, row := range rows {
		if row.BoxID != b.ID {
			t.Errorf("row from box %s outside bbox", row.BoxID)
		}
	}

	rec = env.do(t, http.MethodPost, "/boxes/data", `{"bbox":"7,51,8,52","phenomenon":"Temperatur"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d, body = %s", rec.Code, rec.Body.String())
	}
	for _, row := range decode(t, rec.Body.String()) {
		if row.Phenomenon != "Temperatur" {
			t.Errorf("phenomenon filter leaked %q", row.Phenomenon)
		}
	}
}

func TestMultiBox_Invalid(t *testing.T) {
	env := testServer(t)
	now := time.Now().UTC()

	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{"missing bbox", "/boxes/data", apperr.CodeInvalidBBox},
		{"malformed bbox", "/boxes/data?bbox=1,2,3", apperr.CodeInvalidBBox},
		{"from after to", "/boxes/data?bbox=0,0,1,1&" + url.Values{
			"from-date": {now.Add(-time.Hour).Format(time.RFC3339)},
			"to-date":   {now.Add(-2 * time.Hour).Format(time.RFC3339)},
		}.Encode(), apperr.CodeInvalidTimeRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if e := decodeError(t, rec); e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestStats(t *testing.T) {
	env := testServer(t)
	b := env.createBox(t, homeBoxBody).Box
	sensorID := firstSensor(t, b)
	env.do(t, http.MethodPost, "/boxes/"+b.ID+"/"+sensorID, `{"value": 1}`)
	env.do(t, http.MethodPost, "/boxes/"+b.ID+"/"+sensorID, `{"value": 2}`)

	stats := func() [3]int {
		rec := env.do(t, http.MethodGet, "/stats", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var v [3]int
		if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
			t.Fatal(err)
		}
		return v
	}

	if got := stats(); got != [3]int{1, 2, 2} {
		t.Errorf("stats = %v, want [1 2 2]", got)
	}

	// Served from cache until the TTL expires.
	env.do(t, http.MethodPost, "/boxes/"+b.ID+"/"+sensorID, `{"value": 3}`)
	if got := stats(); got != [3]int{1, 2, 2} {
		t.Errorf("cached stats = %v, want [1 2 2]", got)
	}
}

func TestServerErrorsNotifyOnce(t *testing.T) {
	env := testServer(t)
	env.srv.measurements = nil

	for range 2 {
		if rec := env.do(t, http.MethodGet, "/stats", ""); rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	}
	if got := env.notifier.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := testServer(t, func(c *config.APIConfig) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	})
	b := env.createBox(t, homeBoxBody).Box
	path := "/boxes/" + b.ID + "/" + firstSensor(t, b)

	for i := range 2 {
		if rec := env.do(t, http.MethodPost, path, `{"value": 1}`); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, path, `{"value": 1}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Reads are not limited.
	if rec := env.do(t, http.MethodGet, "/boxes/"+b.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", rec.Code)
	}
}
