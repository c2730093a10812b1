package measurement

import (
	"context"
	"database/sql"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/infrastructure/database"
)

// Repository is the append-only measurement store.
type Repository interface {
	// Insert persists m. Measurements are never updated.
	Insert(ctx context.Context, m *Measurement) error

	// History returns the sensor's measurements with from <= createdAt <= to,
	// ascending by createdAt. Zero bounds are open.
	History(ctx context.Context, sensorID string, from, to time.Time) ([]Measurement, error)

	// Count returns the number of stored measurements.
	Count(ctx context.Context) (int, error)

	// CountSince returns the number of measurements created at or after t.
	CountSince(ctx context.Context, t time.Time) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert persists m.
func (r *SQLiteRepository) Insert(ctx context.Context, m *Measurement) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO measurements (id, sensor_id, value, created_at)
		VALUES (?, ?, ?, ?)`,
		m.ID, m.SensorID, m.Value, database.FormatTime(m.CreatedAt),
	)
	if err != nil {
		return apperr.FromStorage("measurement.insert", err)
	}
	return nil
}

// History returns the sensor's measurements inside [from, to].
func (r *SQLiteRepository) History(ctx context.Context, sensorID string, from, to time.Time) ([]Measurement, error) {
	query := `SELECT id, sensor_id, value, created_at FROM measurements WHERE sensor_id = ?`
	args := []any{sensorID}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, database.FormatTime(from))
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, database.FormatTime(to))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.FromStorage("measurement.history", err)
	}
	defer rows.Close()

	out := []Measurement{}
	for rows.Next() {
		var (
			m       Measurement
			created string
		)
		if err := rows.Scan(&m.ID, &m.SensorID, &m.Value, &created); err != nil {
			return nil, apperr.FromStorage("measurement.history", err)
		}
		if m.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, apperr.FromStorage("measurement.history", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStorage("measurement.history", err)
	}
	return out, nil
}

// Count returns the number of stored measurements.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements`).Scan(&n); err != nil {
		return 0, apperr.FromStorage("measurement.count", err)
	}
	return n, nil
}

// CountSince returns the number of measurements created at or after t.
func (r *SQLiteRepository) CountSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM measurements WHERE created_at >= ?`, database.FormatTime(t),
	).Scan(&n)
	if err != nil {
		return 0, apperr.FromStorage("measurement.count_since", err)
	}
	return n, nil
}
