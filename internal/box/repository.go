package box

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/infrastructure/database"
)

// sensorChunk bounds the number of ids bound into one IN (...) list.
const sensorChunk = 500

// Repository defines the persistence operations for boxes, sensors and
// users. Errors are classified with apperr; sentinels from errors.go are
// wrapped so errors.Is matches both.
type Repository interface {
	// CreateBox inserts a box and its sensors in one transaction.
	// Returns ErrBoxExists if the id is taken.
	CreateBox(ctx context.Context, b *Box) error

	// GetBox returns a box with its sensors in creation order.
	GetBox(ctx context.Context, id string) (*Box, error)

	// ListBoxes returns all boxes matching f, ordered by creation time.
	ListBoxes(ctx context.Context, f Filter) ([]Box, error)

	// UpdateBox stores the mutable fields of b if the stored revision still
	// equals b.Revision, and advances b.Revision. Returns ErrBoxChanged if
	// another writer got there first. Sensors are not touched.
	UpdateBox(ctx context.Context, b *Box) error

	// DeleteBox removes a box, its sensors and every user link to it.
	DeleteBox(ctx context.Context, id string) error

	// SetFirmwareReady records whether a firmware file exists for the box.
	SetFirmwareReady(ctx context.Context, id string, ready bool) error

	// GetSensor returns one sensor with its owning box id.
	GetSensor(ctx context.Context, id string) (*Sensor, error)

	// SensorsWithLatest returns the box's sensors with the latest reading
	// joined in.
	SensorsWithLatest(ctx context.Context, boxID string) ([]Sensor, error)

	// AdvanceLastMeasurement moves the sensor's pointer to measurementID
	// unless the sensor already references a newer measurement. It reports
	// whether the pointer moved.
	AdvanceLastMeasurement(ctx context.Context, sensorID, measurementID string, at time.Time) (bool, error)

	// CreateUser inserts a user. Returns ErrDuplicateAPIKey if the apikey
	// is held by another user.
	CreateUser(ctx context.Context, u *User) error

	// GetUserByAPIKey returns the user holding apikey.
	GetUserByAPIKey(ctx context.Context, apikey string) (*User, error)

	// LinkBox appends boxID to the user's box list. Linking twice is a no-op.
	LinkBox(ctx context.Context, userID, boxID string) error

	// CountBoxes returns the number of stored boxes.
	CountBoxes(ctx context.Context) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const boxColumns = `id, name, box_type, exposure, grouptag, image, model, extra,
	locations, firmware_ready, revision, created_at, updated_at`

const sensorColumns = `id, box_id, title, unit, sensor_type, last_measurement_id, last_measurement_at`

// CreateBox inserts b and its sensors.
func (r *SQLiteRepository) CreateBox(ctx context.Context, b *Box) error {
	extra, locations, err := encodeBoxJSON(b)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "box.create", err, "encoding box")
	}
	lng, lat := currentCoords(b)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.FromStorage("box.create", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO boxes (id, name, box_type, exposure, grouptag, image, model, extra,
			locations, cur_lng, cur_lat, firmware_ready, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		b.ID, b.Name, b.BoxType,
		nullableString(b.Exposure), nullableString(b.Grouptag), nullableString(b.Image), nullableString(b.Model),
		extra, locations, lng, lat, boolToInt(b.FirmwareReady),
		database.FormatTime(b.CreatedAt), database.FormatTime(b.UpdatedAt),
	)
	if err != nil {
		return apperr.FromStorage("box.create", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports
		return ErrBoxExists
	}

	for i := range b.Sensors {
		s := &b.Sensors[i]
		s.BoxID = b.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sensors (id, box_id, position, title, unit, sensor_type)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, b.ID, i, s.Title, s.Unit, nullableString(s.SensorType),
		); err != nil {
			return apperr.FromStorage("box.create_sensor", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.FromStorage("box.create", err)
	}
	return nil
}

// GetBox returns the box with id.
func (r *SQLiteRepository) GetBox(ctx context.Context, id string) (*Box, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+boxColumns+` FROM boxes WHERE id = ?`, id)
	b, err := scanBox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(ErrBoxNotFound, "box "+id+" not found")
		}
		return nil, apperr.FromStorage("box.get", err)
	}

	sensors, err := r.sensorsFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	b.Sensors = sensors[id]
	if b.Sensors == nil {
		b.Sensors = []Sensor{}
	}
	return b, nil
}

// ListBoxes returns all boxes matching f.
func (r *SQLiteRepository) ListBoxes(ctx context.Context, f Filter) ([]Box, error) {
	var (
		where []string
		args  []any
	)
	if f.Exposure != "" {
		where = append(where, "exposure = ?")
		args = append(args, f.Exposure)
	}
	if f.Grouptag != "" {
		where = append(where, "grouptag = ?")
		args = append(args, f.Grouptag)
	}
	if f.BoxType != "" {
		where = append(where, "box_type = ?")
		args = append(args, f.BoxType)
	}
	if f.Phenomenon != "" {
		where = append(where, "EXISTS (SELECT 1 FROM sensors s WHERE s.box_id = boxes.id AND s.title = ?)")
		args = append(args, f.Phenomenon)
	}
	if f.BBox != nil {
		where = append(where, "cur_lng BETWEEN ? AND ? AND cur_lat BETWEEN ? AND ?")
		args = append(args, f.BBox.Left(), f.BBox.Right(), f.BBox.Bottom(), f.BBox.Top())
	}

	query := `SELECT ` + boxColumns + ` FROM boxes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.FromStorage("box.list", err)
	}
	defer rows.Close()

	boxes := []Box{}
	for rows.Next() {
		b, err := scanBox(rows)
		if err != nil {
			return nil, apperr.FromStorage("box.list", err)
		}
		boxes = append(boxes, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStorage("box.list", err)
	}
	// Release the connection before loading sensors.
	rows.Close() //nolint:errcheck // read-only

	ids := make([]string, len(boxes))
	for i := range boxes {
		ids[i] = boxes[i].ID
	}
	sensors, err := r.sensorsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range boxes {
		boxes[i].Sensors = sensors[boxes[i].ID]
		if boxes[i].Sensors == nil {
			boxes[i].Sensors = []Sensor{}
		}
	}
	return boxes, nil
}

// UpdateBox stores the mutable fields of b when its revision is current.
func (r *SQLiteRepository) UpdateBox(ctx context.Context, b *Box) error {
	extra, locations, err := encodeBoxJSON(b)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "box.update", err, "encoding box")
	}
	lng, lat := currentCoords(b)

	res, err := r.db.ExecContext(ctx, `
		UPDATE boxes SET name = ?, box_type = ?, exposure = ?, grouptag = ?, image = ?,
			extra = ?, locations = ?, cur_lng = ?, cur_lat = ?, updated_at = ?,
			revision = revision + 1
		WHERE id = ? AND revision = ?`,
		b.Name, b.BoxType, nullableString(b.Exposure), nullableString(b.Grouptag), nullableString(b.Image),
		extra, locations, lng, lat, database.FormatTime(b.UpdatedAt), b.ID, b.Revision,
	)
	if err != nil {
		return apperr.FromStorage("box.update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.FromStorage("box.update", err)
	}
	if n > 0 {
		b.Revision++
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM boxes WHERE id = ?`, b.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(ErrBoxNotFound, "box "+b.ID+" not found")
	}
	if err != nil {
		return apperr.FromStorage("box.update", err)
	}
	return apperr.Wrap(apperr.Conflict, "box.update", ErrBoxChanged, "box was modified concurrently, retry the update")
}

// DeleteBox removes a box, its sensors and its user links.
func (r *SQLiteRepository) DeleteBox(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.FromStorage("box.delete", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Sensors are removed explicitly so the cascade does not depend on the
	// foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sensors WHERE box_id = ?`, id); err != nil {
		return apperr.FromStorage("box.delete_sensors", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM boxes WHERE id = ?`, id)
	if err != nil {
		return apperr.FromStorage("box.delete", err)
	}
	if err := requireRow(res, ErrBoxNotFound, "box "+id+" not found"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET box_ids = (SELECT json_group_array(value) FROM json_each(users.box_ids) WHERE value != ?)
		WHERE EXISTS (SELECT 1 FROM json_each(users.box_ids) WHERE value = ?)`,
		id, id,
	); err != nil {
		return apperr.FromStorage("box.unlink_users", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.FromStorage("box.delete", err)
	}
	return nil
}

// SetFirmwareReady records the firmware state of a box.
func (r *SQLiteRepository) SetFirmwareReady(ctx context.Context, id string, ready bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE boxes SET firmware_ready = ? WHERE id = ?`, boolToInt(ready), id)
	if err != nil {
		return apperr.FromStorage("box.set_firmware_ready", err)
	}
	return requireRow(res, ErrBoxNotFound, "box "+id+" not found")
}

// GetSensor returns one sensor.
func (r *SQLiteRepository) GetSensor(ctx context.Context, id string) (*Sensor, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE id = ?`, id)
	s, err := scanSensor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(ErrSensorNotFound, "sensor "+id+" not found")
		}
		return nil, apperr.FromStorage("sensor.get", err)
	}
	return s, nil
}

// SensorsWithLatest returns the box's sensors joined with their latest reading.
func (r *SQLiteRepository) SensorsWithLatest(ctx context.Context, boxID string) ([]Sensor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.box_id, s.title, s.unit, s.sensor_type, s.last_measurement_id, s.last_measurement_at,
			m.id, m.value, m.created_at
		FROM sensors s
		LEFT JOIN measurements m ON m.id = s.last_measurement_id
		WHERE s.box_id = ?
		ORDER BY s.position`, boxID)
	if err != nil {
		return nil, apperr.FromStorage("sensor.list_latest", err)
	}
	defer rows.Close()

	sensors := []Sensor{}
	for rows.Next() {
		var (
			s                   Sensor
			sensorType, lastID  sql.NullString
			lastAt              sql.NullString
			mID, mValue, mAtRaw sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.BoxID, &s.Title, &s.Unit, &sensorType, &lastID, &lastAt,
			&mID, &mValue, &mAtRaw); err != nil {
			return nil, apperr.FromStorage("sensor.list_latest", err)
		}
		if err := fillSensor(&s, sensorType, lastID, lastAt); err != nil {
			return nil, apperr.FromStorage("sensor.list_latest", err)
		}
		if mID.Valid {
			at, err := database.ParseTime(mAtRaw.String)
			if err != nil {
				return nil, apperr.FromStorage("sensor.list_latest", err)
			}
			s.LastMeasurement = &Reading{ID: mID.String, Value: mValue.String, CreatedAt: at}
		}
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStorage("sensor.list_latest", err)
	}
	return sensors, nil
}

// AdvanceLastMeasurement moves the pointer forward in time only. The
// comparison happens inside one UPDATE so concurrent writers cannot move
// it backwards. Equal timestamps let the later writer win.
func (r *SQLiteRepository) AdvanceLastMeasurement(ctx context.Context, sensorID, measurementID string, at time.Time) (bool, error) {
	ts := database.FormatTime(at)
	res, err := r.db.ExecContext(ctx, `
		UPDATE sensors SET last_measurement_id = ?, last_measurement_at = ?
		WHERE id = ? AND (last_measurement_at IS NULL OR last_measurement_at <= ?)`,
		measurementID, ts, sensorID, ts,
	)
	if err != nil {
		return false, apperr.FromStorage("sensor.advance_last", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.FromStorage("sensor.advance_last", err)
	}
	if n > 0 {
		return true, nil
	}

	// Either the sensor is gone or a newer measurement is already referenced.
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM sensors WHERE id = ?`, sensorID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound(ErrSensorNotFound, "sensor "+sensorID+" not found")
	}
	if err != nil {
		return false, apperr.FromStorage("sensor.advance_last", err)
	}
	return false, nil
}

// CreateUser inserts u. The UNIQUE constraint on apikey closes the race
// left open by the caller's read-then-write check.
func (r *SQLiteRepository) CreateUser(ctx context.Context, u *User) error {
	boxIDs, err := json.Marshal(nonNil(u.BoxIDs))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "user.create", err, "encoding user")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, firstname, lastname, email, apikey, box_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Firstname, u.Lastname, u.Email, u.APIKey, string(boxIDs), database.FormatTime(u.CreatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return apperr.Wrap(apperr.Duplicate, "user.create", ErrDuplicateAPIKey, "apikey already in use")
		}
		return apperr.FromStorage("user.create", err)
	}
	return nil
}

// GetUserByAPIKey returns the user holding apikey.
func (r *SQLiteRepository) GetUserByAPIKey(ctx context.Context, apikey string) (*User, error) {
	var (
		u       User
		boxIDs  string
		created string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, firstname, lastname, email, apikey, box_ids, created_at
		FROM users WHERE apikey = ?`, apikey,
	).Scan(&u.ID, &u.Firstname, &u.Lastname, &u.Email, &u.APIKey, &boxIDs, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(ErrUserNotFound, "no user holds this apikey")
		}
		return nil, apperr.FromStorage("user.get", err)
	}
	if err := json.Unmarshal([]byte(boxIDs), &u.BoxIDs); err != nil {
		return nil, apperr.FromStorage("user.get", fmt.Errorf("decoding box ids: %w", err))
	}
	if u.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, apperr.FromStorage("user.get", err)
	}
	return &u, nil
}

// LinkBox appends boxID to the user's list with a single conditional
// UPDATE, so repeated or concurrent links never duplicate the id.
func (r *SQLiteRepository) LinkBox(ctx context.Context, userID, boxID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET box_ids = json_insert(box_ids, '$[#]', ?)
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM json_each(users.box_ids) WHERE value = ?)`,
		boxID, userID, boxID,
	)
	if err != nil {
		return apperr.FromStorage("user.link_box", err)
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck // sqlite always reports
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(ErrUserNotFound, "user "+userID+" not found")
	}
	if err != nil {
		return apperr.FromStorage("user.link_box", err)
	}
	return nil
}

// CountBoxes returns the number of boxes.
func (r *SQLiteRepository) CountBoxes(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM boxes`).Scan(&n); err != nil {
		return 0, apperr.FromStorage("box.count", err)
	}
	return n, nil
}

// sensorsFor loads sensors for the given boxes keyed by box id.
func (r *SQLiteRepository) sensorsFor(ctx context.Context, boxIDs []string) (map[string][]Sensor, error) {
	out := make(map[string][]Sensor, len(boxIDs))
	for start := 0; start < len(boxIDs); start += sensorChunk {
		end := min(start+sensorChunk, len(boxIDs))
		chunk := boxIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := r.db.QueryContext(ctx, `SELECT `+sensorColumns+` FROM sensors
			WHERE box_id IN (`+placeholders+`) ORDER BY box_id, position`, args...)
		if err != nil {
			return nil, apperr.FromStorage("sensor.list", err)
		}
		for rows.Next() {
			s, err := scanSensor(rows)
			if err != nil {
				rows.Close() //nolint:errcheck // already failing
				return nil, apperr.FromStorage("sensor.list", err)
			}
			out[s.BoxID] = append(out[s.BoxID], *s)
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck // read-only
		if err != nil {
			return nil, apperr.FromStorage("sensor.list", err)
		}
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBox(row rowScanner) (*Box, error) {
	var (
		b                                  Box
		exposure, grouptag, image, model   sql.NullString
		extra, locations, created, updated string
		firmwareReady                      int
	)
	if err := row.Scan(&b.ID, &b.Name, &b.BoxType, &exposure, &grouptag, &image, &model,
		&extra, &locations, &firmwareReady, &b.Revision, &created, &updated); err != nil {
		return nil, err
	}
	b.Exposure = exposure.String
	b.Grouptag = grouptag.String
	b.Image = image.String
	b.Model = model.String
	b.FirmwareReady = firmwareReady != 0

	if err := json.Unmarshal([]byte(extra), &b.Extra); err != nil {
		return nil, fmt.Errorf("decoding extra: %w", err)
	}
	if len(b.Extra) == 0 {
		b.Extra = nil
	}
	if err := json.Unmarshal([]byte(locations), &b.Locations); err != nil {
		return nil, fmt.Errorf("decoding locations: %w", err)
	}
	if b.Locations == nil {
		b.Locations = []Location{}
	}

	var err error
	if b.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanSensor(row rowScanner) (*Sensor, error) {
	var (
		s                  Sensor
		sensorType, lastID sql.NullString
		lastAt             sql.NullString
	)
	if err := row.Scan(&s.ID, &s.BoxID, &s.Title, &s.Unit, &sensorType, &lastID, &lastAt); err != nil {
		return nil, err
	}
	if err := fillSensor(&s, sensorType, lastID, lastAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func fillSensor(s *Sensor, sensorType, lastID, lastAt sql.NullString) error {
	s.SensorType = sensorType.String
	s.LastMeasurementID = lastID.String
	if lastAt.Valid {
		t, err := database.ParseTime(lastAt.String)
		if err != nil {
			return err
		}
		s.LastMeasurementAt = &t
	}
	return nil
}

func encodeBoxJSON(b *Box) (extra, locations string, err error) {
	extraMap := b.Extra
	if extraMap == nil {
		extraMap = map[string]any{}
	}
	e, err := json.Marshal(extraMap)
	if err != nil {
		return "", "", err
	}
	l, err := json.Marshal(nonNil(b.Locations))
	if err != nil {
		return "", "", err
	}
	return string(e), string(l), nil
}

func currentCoords(b *Box) (lng, lat any) {
	loc, ok := b.CurrentLocation()
	if !ok || loc.Geometry == nil {
		return nil, nil
	}
	return loc.Lng(), loc.Lat()
}

func requireRow(res sql.Result, sentinel error, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.FromStorage("rows_affected", err)
	}
	if n == 0 {
		return notFound(sentinel, msg)
	}
	return nil
}

func notFound(sentinel error, msg string) error {
	return apperr.Wrap(apperr.NotFound, "", sentinel, msg)
}

// nullableString converts empty string to nil for nullable columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
