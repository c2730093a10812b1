package query

import (
	"context"
	"database/sql"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/infrastructure/database"
)

// Row is one measurement of a multi-box result with its box and sensor.
type Row struct {
	BoxID      string  `json:"boxId"`
	BoxName    string  `json:"boxName"`
	Lng        float64 `json:"lng"`
	Lat        float64 `json:"lat"`
	SensorID   string  `json:"sensorId"`
	Phenomenon string  `json:"phenomenon"`
	Unit       string  `json:"unit"`
	SensorType string  `json:"sensorType,omitempty"`

	MeasurementID string    `json:"_id"`
	Value         string    `json:"value"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MultiBoxSource runs the multi-box join.
type MultiBoxSource interface {
	MultiBox(ctx context.Context, bbox box.BBox, w Window, phenomenon string) ([]Row, error)
}

// SQLiteMultiBox implements MultiBoxSource using SQLite.
type SQLiteMultiBox struct {
	db *sql.DB
}

// NewSQLiteMultiBox creates a SQLite-backed multi-box source.
func NewSQLiteMultiBox(db *sql.DB) *SQLiteMultiBox {
	return &SQLiteMultiBox{db: db}
}

// MultiBox returns the measurements in w of every sensor whose box
// currently lies in bbox, ordered by box id, sensor id and time.
func (s *SQLiteMultiBox) MultiBox(ctx context.Context, bbox box.BBox, w Window, phenomenon string) ([]Row, error) {
	query := `
		SELECT b.id, b.name, b.cur_lng, b.cur_lat, s.id, s.title, s.unit, s.sensor_type,
			m.id, m.value, m.created_at
		FROM boxes b
		JOIN sensors s ON s.box_id = b.id
		JOIN measurements m ON m.sensor_id = s.id
		WHERE b.cur_lng BETWEEN ? AND ? AND b.cur_lat BETWEEN ? AND ?
			AND m.created_at >= ? AND m.created_at <= ?`
	args := []any{
		bbox.Left(), bbox.Right(), bbox.Bottom(), bbox.Top(),
		database.FormatTime(w.From), database.FormatTime(w.To),
	}
	if phenomenon != "" {
		query += ` AND s.title = ?`
		args = append(args, phenomenon)
	}
	query += ` ORDER BY b.id, s.id, m.created_at, m.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.FromStorage("query.multi_box", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var (
			r          Row
			sensorType sql.NullString
			created    string
		)
		if err := rows.Scan(&r.BoxID, &r.BoxName, &r.Lng, &r.Lat, &r.SensorID, &r.Phenomenon, &r.Unit,
			&sensorType, &r.MeasurementID, &r.Value, &created); err != nil {
			return nil, apperr.FromStorage("query.multi_box", err)
		}
		if r.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, apperr.FromStorage("query.multi_box", err)
		}
		r.SensorType = sensorType.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStorage("query.multi_box", err)
	}
	return out, nil
}
