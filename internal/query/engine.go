package query

import (
	"context"
	"time"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/measurement"
)

// SensorLookup resolves sensors. *box.Registry satisfies it.
type SensorLookup interface {
	GetSensor(ctx context.Context, id string) (*box.Sensor, error)
}

// HistorySource reads one sensor's measurements.
// *measurement.SQLiteRepository satisfies it.
type HistorySource interface {
	History(ctx context.Context, sensorID string, from, to time.Time) ([]measurement.Measurement, error)
}

// Engine answers history and multi-box queries.
type Engine struct {
	sensors  SensorLookup
	history  HistorySource
	multiBox MultiBoxSource
	now      func() time.Time
}

// NewEngine creates a query engine.
func NewEngine(sensors SensorLookup, history HistorySource, multiBox MultiBoxSource) *Engine {
	return &Engine{
		sensors:  sensors,
		history:  history,
		multiBox: multiBox,
		now:      time.Now,
	}
}

// History returns the measurements of sensorID inside the window resolved
// from from and to, ascending by createdAt. When boxID is set the sensor
// must belong to it.
func (e *Engine) History(ctx context.Context, boxID, sensorID string, from, to time.Time) ([]measurement.Measurement, error) {
	w, err := ResolveWindow(from, to, e.now())
	if err != nil {
		return nil, err
	}

	sensor, err := e.sensors.GetSensor(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if boxID != "" && sensor.BoxID != boxID {
		return nil, apperr.Wrap(apperr.NotFound, "query.history", box.ErrSensorNotFound,
			"sensor "+sensorID+" not found in box "+boxID)
	}

	return e.history.History(ctx, sensorID, w.From, w.To)
}

// MultiBoxQuery selects measurements across boxes.
type MultiBoxQuery struct {
	BBox       box.BBox
	From, To   time.Time
	Phenomenon string
}

// MultiBox returns the measurements of every box currently inside q.BBox.
func (e *Engine) MultiBox(ctx context.Context, q MultiBoxQuery) ([]Row, error) {
	if err := q.BBox.Validate(); err != nil {
		return nil, err
	}
	w, err := ResolveWindow(q.From, q.To, e.now())
	if err != nil {
		return nil, err
	}
	return e.multiBox.MultiBox(ctx, q.BBox, w, q.Phenomenon)
}
