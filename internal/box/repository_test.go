package box

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/infrastructure/database/databasetest"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	return NewSQLiteRepository(databasetest.Open(t).DB)
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testBox creates a box with two sensors at Münster.
func testBox(id string) *Box {
	return &Box{
		ID:        id,
		Name:      "Station " + id,
		BoxType:   "fixed",
		Exposure:  "outdoor",
		Model:     "senseboxhome2015",
		Locations: []Location{NewLocation(7.62, 51.96, testTime)},
		Sensors: []Sensor{
			{ID: id + "-t", Title: "Temperatur", Unit: "°C", SensorType: "HDC1008"},
			{ID: id + "-h", Title: "rel. Luftfeuchte", Unit: "%"},
		},
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func TestSQLiteRepository_CreateAndGetBox(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	b := testBox("b1")
	b.Extra = map[string]any{"weblink": "https://example.com"}
	if err := repo.CreateBox(ctx, b); err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}

	got, err := repo.GetBox(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBox() error = %v", err)
	}
	if got.Name != b.Name || got.BoxType != "fixed" || got.Exposure != "outdoor" {
		t.Errorf("GetBox() = %+v, fields not round-tripped", got)
	}
	if len(got.Sensors) != 2 || got.Sensors[0].ID != "b1-t" || got.Sensors[1].ID != "b1-h" {
		t.Fatalf("Sensors = %+v, want creation order", got.Sensors)
	}
	if got.Sensors[0].BoxID != "b1" {
		t.Errorf("Sensors[0].BoxID = %q, want b1", got.Sensors[0].BoxID)
	}
	if got.Sensors[0].SensorType != "HDC1008" || got.Sensors[1].SensorType != "" {
		t.Errorf("sensor types = %q, %q", got.Sensors[0].SensorType, got.Sensors[1].SensorType)
	}
	if len(got.Locations) != 1 || got.Locations[0].Lng() != 7.62 {
		t.Errorf("Locations = %+v", got.Locations)
	}
	if !got.CreatedAt.Equal(testTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testTime)
	}
	if got.Extra["weblink"] != "https://example.com" {
		t.Errorf("Extra = %v", got.Extra)
	}
	if got.FirmwareReady {
		t.Error("FirmwareReady should default to false")
	}
}

func TestSQLiteRepository_CreateBox_Duplicate(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.CreateBox(ctx, testBox("dup")); err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	err := repo.CreateBox(ctx, testBox("dup"))
	if !errors.Is(err, ErrBoxExists) {
		t.Errorf("CreateBox() duplicate error = %v, want ErrBoxExists", err)
	}
}

func TestSQLiteRepository_GetBox_NotFound(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.GetBox(context.Background(), "missing")
	if !errors.Is(err, ErrBoxNotFound) {
		t.Errorf("GetBox() error = %v, want ErrBoxNotFound", err)
	}
	if !errors.Is(err, apperr.NotFound) {
		t.Errorf("GetBox() error kind = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestSQLiteRepository_ListBoxes_Filters(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	a := testBox("a")
	a.Grouptag = "school"
	b := testBox("b")
	b.Exposure = "indoor"
	b.Locations = []Location{NewLocation(13.4, 52.5, testTime)}
	b.Sensors = []Sensor{{ID: "b-uv", Title: "UV", Unit: "μW/cm²"}}
	b.CreatedAt = testTime.Add(time.Minute)
	for _, x := range []*Box{a, b} {
		if err := repo.CreateBox(ctx, x); err != nil {
			t.Fatalf("CreateBox(%s) error = %v", x.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter", Filter{}, []string{"a", "b"}},
		{"exposure", Filter{Exposure: "indoor"}, []string{"b"}},
		{"grouptag", Filter{Grouptag: "school"}, []string{"a"}},
		{"phenomenon", Filter{Phenomenon: "UV"}, []string{"b"}},
		{"phenomenon no match", Filter{Phenomenon: "Lautstärke"}, nil},
		{"bbox", Filter{BBox: ptr(NewBBox(7, 51, 8, 52))}, []string{"a"}},
		{"combined", Filter{Exposure: "outdoor", Phenomenon: "Temperatur"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			boxes, err := repo.ListBoxes(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListBoxes() error = %v", err)
			}
			if len(boxes) != len(tt.want) {
				t.Fatalf("ListBoxes() returned %d boxes, want %d", len(boxes), len(tt.want))
			}
			for i, id := range tt.want {
				if boxes[i].ID != id {
					t.Errorf("boxes[%d].ID = %q, want %q", i, boxes[i].ID, id)
				}
				if len(boxes[i].Sensors) == 0 {
					t.Errorf("boxes[%d] has no sensors loaded", i)
				}
			}
		})
	}
}

func TestSQLiteRepository_UpdateBox(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	b := testBox("u1")
	if err := repo.CreateBox(ctx, b); err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	b.Name = "Renamed"
	b.Locations = append(b.Locations, NewLocation(13.4, 52.5, testTime.Add(time.Hour)))
	b.UpdatedAt = testTime.Add(time.Hour)
	if err := repo.UpdateBox(ctx, b); err != nil {
		t.Fatalf("UpdateBox() error = %v", err)
	}

	got, err := repo.GetBox(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBox() error = %v", err)
	}
	if got.Name != "Renamed" || len(got.Locations) != 2 {
		t.Errorf("GetBox() = %+v", got)
	}
	if b.Revision != 1 || got.Revision != 1 {
		t.Errorf("Revision = %d (stored %d), want 1", b.Revision, got.Revision)
	}

	// A writer holding the pre-update revision must not overwrite the row.
	stale := testBox("u1")
	stale.Name = "Stale"
	err = repo.UpdateBox(ctx, stale)
	if !errors.Is(err, ErrBoxChanged) || !errors.Is(err, apperr.Conflict) {
		t.Errorf("UpdateBox(stale) error = %v, want ErrBoxChanged", err)
	}
	if got, _ := repo.GetBox(ctx, "u1"); got.Name != "Renamed" {
		t.Errorf("stale update was applied: name = %q", got.Name)
	}

	// The current location moved, so a bbox around the new spot matches.
	boxes, err := repo.ListBoxes(ctx, Filter{BBox: ptr(NewBBox(13, 52, 14, 53))})
	if err != nil || len(boxes) != 1 {
		t.Errorf("ListBoxes(bbox) = %d boxes, err %v; want 1", len(boxes), err)
	}

	missing := testBox("nope")
	if err := repo.UpdateBox(ctx, missing); !errors.Is(err, ErrBoxNotFound) {
		t.Errorf("UpdateBox(missing) error = %v, want ErrBoxNotFound", err)
	}
}

func TestSQLiteRepository_DeleteBox(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.CreateBox(ctx, testBox("d1")); err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	u := &User{ID: "u", APIKey: "key", CreatedAt: testTime}
	if err := repo.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	for _, id := range []string{"d1", "other"} {
		if err := repo.LinkBox(ctx, "u", id); err != nil {
			t.Fatalf("LinkBox(%s) error = %v", id, err)
		}
	}

	if err := repo.DeleteBox(ctx, "d1"); err != nil {
		t.Fatalf("DeleteBox() error = %v", err)
	}

	if _, err := repo.GetBox(ctx, "d1"); !errors.Is(err, ErrBoxNotFound) {
		t.Errorf("GetBox() after delete error = %v", err)
	}
	if _, err := repo.GetSensor(ctx, "d1-t"); !errors.Is(err, ErrSensorNotFound) {
		t.Errorf("GetSensor() after delete error = %v, want ErrSensorNotFound", err)
	}
	got, err := repo.GetUserByAPIKey(ctx, "key")
	if err != nil {
		t.Fatalf("GetUserByAPIKey() error = %v", err)
	}
	if len(got.BoxIDs) != 1 || got.BoxIDs[0] != "other" {
		t.Errorf("BoxIDs = %v, want [other]", got.BoxIDs)
	}

	if err := repo.DeleteBox(ctx, "d1"); !errors.Is(err, ErrBoxNotFound) {
		t.Errorf("DeleteBox() twice error = %v, want ErrBoxNotFound", err)
	}
}

func TestSQLiteRepository_AdvanceLastMeasurement(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.CreateBox(ctx, testBox("m1")); err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}

	t0 := testTime
	steps := []struct {
		id      string
		at      time.Time
		advance bool
		wantID  string
	}{
		{"later", t0.Add(5 * time.Second), true, "later"},
		{"earlier", t0, false, "later"},
		{"tie", t0.Add(5 * time.Second), true, "tie"},
		{"latest", t0.Add(time.Minute), true, "latest"},
	}
	for _, s := range steps {
		moved, err := repo.AdvanceLastMeasurement(ctx, "m1-t", s.id, s.at)
		if err != nil {
			t.Fatalf("AdvanceLastMeasurement(%s) error = %v", s.id, err)
		}
		if moved != s.advance {
			t.Errorf("AdvanceLastMeasurement(%s) moved = %v, want %v", s.id, moved, s.advance)
		}
		got, err := repo.GetSensor(ctx, "m1-t")
		if err != nil {
			t.Fatalf("GetSensor() error = %v", err)
		}
		if got.LastMeasurementID != s.wantID {
			t.Errorf("after %s: LastMeasurementID = %q, want %q", s.id, got.LastMeasurementID, s.wantID)
		}
	}

	_, err := repo.AdvanceLastMeasurement(ctx, "ghost", "x", t0)
	if !errors.Is(err, ErrSensorNotFound) {
		t.Errorf("AdvanceLastMeasurement(ghost) error = %v, want ErrSensorNotFound", err)
	}
}

func TestSQLiteRepository_SensorsWithLatest(t *testing.T) {
	db := databasetest.Open(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	if err := repo.CreateBox(ctx, testBox("s1")); err != nil {
		t.Fatalf("CreateBox() error = %v", err)
	}
	if _, err := db.DB.ExecContext(ctx, `INSERT INTO measurements (id, sensor_id, value, created_at)
		VALUES ('m', 's1-t', '21.5', '2026-03-01T12:00:00.000Z')`); err != nil {
		t.Fatalf("inserting measurement: %v", err)
	}
	if _, err := repo.AdvanceLastMeasurement(ctx, "s1-t", "m", testTime); err != nil {
		t.Fatalf("AdvanceLastMeasurement() error = %v", err)
	}

	sensors, err := repo.SensorsWithLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("SensorsWithLatest() error = %v", err)
	}
	if len(sensors) != 2 {
		t.Fatalf("SensorsWithLatest() returned %d sensors, want 2", len(sensors))
	}
	if sensors[0].LastMeasurement == nil || sensors[0].LastMeasurement.Value != "21.5" {
		t.Errorf("sensors[0].LastMeasurement = %+v, want value 21.5", sensors[0].LastMeasurement)
	}
	if sensors[1].LastMeasurement != nil {
		t.Errorf("sensors[1].LastMeasurement = %+v, want nil", sensors[1].LastMeasurement)
	}
}

func TestSQLiteRepository_Users(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	u := &User{ID: "u1", Firstname: "Ada", Email: "ada@example.com", APIKey: "secret", CreatedAt: testTime}
	if err := repo.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	dup := &User{ID: "u2", APIKey: "secret", CreatedAt: testTime}
	err := repo.CreateUser(ctx, dup)
	if !errors.Is(err, ErrDuplicateAPIKey) || !errors.Is(err, apperr.Duplicate) {
		t.Errorf("CreateUser(dup) error = %v, want ErrDuplicateAPIKey", err)
	}

	for range 2 {
		if err := repo.LinkBox(ctx, "u1", "box-a"); err != nil {
			t.Fatalf("LinkBox() error = %v", err)
		}
	}
	got, err := repo.GetUserByAPIKey(ctx, "secret")
	if err != nil {
		t.Fatalf("GetUserByAPIKey() error = %v", err)
	}
	if len(got.BoxIDs) != 1 || got.BoxIDs[0] != "box-a" {
		t.Errorf("BoxIDs = %v, want [box-a] after linking twice", got.BoxIDs)
	}

	if err := repo.LinkBox(ctx, "ghost", "box-a"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("LinkBox(ghost) error = %v, want ErrUserNotFound", err)
	}
	if _, err := repo.GetUserByAPIKey(ctx, "other"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUserByAPIKey(other) error = %v, want ErrUserNotFound", err)
	}
}

func TestSQLiteRepository_CountBoxes(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := repo.CreateBox(ctx, testBox(id)); err != nil {
			t.Fatalf("CreateBox() error = %v", err)
		}
	}
	n, err := repo.CountBoxes(ctx)
	if err != nil {
		t.Fatalf("CountBoxes() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountBoxes() = %d, want 3", n)
	}
}

// Storage failures are classified without leaking driver detail.
func TestSQLiteRepository_StorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM boxes WHERE id").WillReturnError(errors.New("disk I/O error"))
	_, err = repo.GetBox(ctx, "b")
	if !errors.Is(err, apperr.StorageUnavailable) {
		t.Errorf("GetBox() kind = %v, want StorageUnavailable", apperr.KindOf(err))
	}
	if msg := apperr.MessageOf(err); msg != "storage unavailable" {
		t.Errorf("MessageOf() = %q, leaks detail", msg)
	}

	mock.ExpectQuery("SELECT COUNT").WillReturnError(context.DeadlineExceeded)
	_, err = repo.CountBoxes(ctx)
	if !errors.Is(err, apperr.DeadlineExceeded) {
		t.Errorf("CountBoxes() kind = %v, want DeadlineExceeded", apperr.KindOf(err))
	}

	mock.ExpectQuery("SELECT (.+) FROM sensors WHERE id").WillReturnError(sql.ErrNoRows)
	_, err = repo.GetSensor(ctx, "s")
	if !errors.Is(err, ErrSensorNotFound) {
		t.Errorf("GetSensor() error = %v, want ErrSensorNotFound", err)
	}

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	err = repo.CreateBox(ctx, testBox("x"))
	if !errors.Is(err, apperr.StorageUnavailable) {
		t.Errorf("CreateBox() kind = %v, want StorageUnavailable", apperr.KindOf(err))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
