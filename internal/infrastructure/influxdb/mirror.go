package influxdb

import (
	"fmt"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sensemap/sensemap-core/internal/measurement"
)

// Point schema of mirrored measurements.
const (
	MeasurementName = "measurement"
	TagBox          = "box"
	TagSensor       = "sensor"
	FieldValue      = "value"
)

// PointWriter accepts points for asynchronous delivery. *Client
// satisfies it.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Logger is the logging interface used by the Mirror.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Mirror copies every stored measurement into InfluxDB. It implements
// measurement.Observer and never blocks ingestion.
type Mirror struct {
	w      PointWriter
	logger Logger
}

// NewMirror creates a mirror writing to w.
func NewMirror(w PointWriter) *Mirror {
	return &Mirror{w: w, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (m *Mirror) SetLogger(logger Logger) {
	m.logger = logger
}

// MeasurementStored queues the measurement as a point.
func (m *Mirror) MeasurementStored(boxID string, meas measurement.Measurement) {
	p, err := MeasurementPoint(boxID, meas)
	if err != nil {
		m.logger.Warn("skipping influx mirror", "measurement_id", meas.ID, "error", err)
		return
	}
	m.w.WritePoint(p)
}

// MeasurementPoint builds the point for meas.
func MeasurementPoint(boxID string, meas measurement.Measurement) (*write.Point, error) {
	v, err := meas.Float()
	if err != nil {
		return nil, fmt.Errorf("%w: value %q is not numeric", ErrWriteFailed, meas.Value)
	}
	return write.NewPoint(
		MeasurementName,
		map[string]string{
			TagBox:    boxID,
			TagSensor: meas.SensorID,
		},
		map[string]interface{}{
			FieldValue: v,
		},
		meas.CreatedAt,
	), nil
}
