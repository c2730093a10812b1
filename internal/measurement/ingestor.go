package measurement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/box"
)

// Logger defines the logging interface used by the Ingestor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SensorResolver gives the Ingestor access to the registry.
// *box.Registry satisfies it.
type SensorResolver interface {
	FindBox(ctx context.Context, id string) (*box.Box, error)
	GetSensor(ctx context.Context, id string) (*box.Sensor, error)
	AdvanceLastMeasurement(ctx context.Context, sensorID, measurementID string, at time.Time) (bool, error)
}

// Observer is told about every persisted measurement. Implementations
// must not block; slow work belongs on their own goroutines.
type Observer interface {
	MeasurementStored(boxID string, m Measurement)
}

// Metrics receives ingestion counters.
type Metrics interface {
	MeasurementAccepted(transport string)
	MeasurementRejected(transport, code string)
}

type noopMetrics struct{}

func (noopMetrics) MeasurementAccepted(string)         {}
func (noopMetrics) MeasurementRejected(string, string) {}

// Ingestor validates and persists incoming measurements and keeps each
// sensor's latest-measurement pointer current.
type Ingestor struct {
	repo      Repository
	sensors   SensorResolver
	observers []Observer
	metrics   Metrics
	logger    Logger
	now       func() time.Time
	newID     func() (string, error)
}

// NewIngestor creates an ingestor.
func NewIngestor(repo Repository, sensors SensorResolver) *Ingestor {
	return &Ingestor{
		repo:    repo,
		sensors: sensors,
		metrics: noopMetrics{},
		logger:  noopLogger{},
		now:     time.Now,
		newID:   newMeasurementID,
	}
}

// SetLogger sets the logger for the ingestor.
func (i *Ingestor) SetLogger(logger Logger) {
	i.logger = logger
}

// SetMetrics sets the metrics sink.
func (i *Ingestor) SetMetrics(m Metrics) {
	i.metrics = m
}

// AddObserver registers an observer. It must be called before ingestion
// starts.
func (i *Ingestor) AddObserver(o Observer) {
	i.observers = append(i.observers, o)
}

// SubmitOne validates and stores one sample. When boxID is empty the
// owning box is resolved from the sensor; otherwise the sensor must
// belong to boxID.
func (i *Ingestor) SubmitOne(ctx context.Context, boxID string, s Sample) (*Measurement, error) {
	return i.SubmitOneVia(ctx, TransportHTTP, boxID, s)
}

// SubmitOneVia is SubmitOne labelled with the transport for metrics.
func (i *Ingestor) SubmitOneVia(ctx context.Context, transport, boxID string, s Sample) (*Measurement, error) {
	if boxID == "" {
		sensor, err := i.sensors.GetSensor(ctx, s.SensorID)
		if err != nil {
			i.rejected(transport, err)
			return nil, err
		}
		boxID = sensor.BoxID
	} else {
		b, err := i.sensors.FindBox(ctx, boxID)
		if err != nil {
			i.rejected(transport, err)
			return nil, err
		}
		if _, ok := b.Sensor(s.SensorID); !ok {
			err := apperr.Wrap(apperr.NotFound, "measurement.submit", box.ErrSensorNotFound,
				"sensor "+s.SensorID+" not found in box "+boxID)
			i.rejected(transport, err)
			return nil, err
		}
	}

	m, err := i.store(ctx, boxID, s)
	if err != nil {
		i.rejected(transport, err)
		return nil, err
	}
	i.metrics.MeasurementAccepted(transport)
	return m, nil
}

// ItemError describes why one batch item was rejected.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ItemResult is the outcome of one batch item.
type ItemResult struct {
	Index         int        `json:"index"`
	SensorID      string     `json:"sensor"`
	MeasurementID string     `json:"_id,omitempty"`
	Error         *ItemError `json:"error,omitempty"`
}

// BatchReport summarises a best-effort batch submission.
type BatchReport struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Items    []ItemResult `json:"items"`
}

// SubmitBatch stores every valid sample of a batch for one box. Invalid
// items are reported individually and do not affect the others. The
// returned error is non-nil only when the batch as a whole cannot be
// processed: empty input, an unknown box or an expired deadline.
func (i *Ingestor) SubmitBatch(ctx context.Context, boxID string, samples []Sample) (BatchReport, error) {
	return i.SubmitBatchVia(ctx, TransportHTTP, boxID, samples)
}

// SubmitBatchVia is SubmitBatch labelled with the transport for metrics.
func (i *Ingestor) SubmitBatchVia(ctx context.Context, transport, boxID string, samples []Sample) (BatchReport, error) {
	report := BatchReport{Items: make([]ItemResult, 0, len(samples))}
	if len(samples) == 0 {
		return report, apperr.Invalid(apperr.CodeInvalidBody, "batch contains no measurements")
	}

	b, err := i.sensors.FindBox(ctx, boxID)
	if err != nil {
		return report, err
	}

	for idx, s := range samples {
		item := ItemResult{Index: idx, SensorID: s.SensorID}

		var m *Measurement
		if _, ok := b.Sensor(s.SensorID); !ok {
			err = apperr.Wrap(apperr.NotFound, "measurement.submit_batch", box.ErrSensorNotFound,
				"sensor "+s.SensorID+" not found in box "+boxID)
		} else {
			m, err = i.store(ctx, boxID, s)
		}

		if err != nil {
			if apperr.KindOf(err) == apperr.DeadlineExceeded {
				return report, err
			}
			i.rejected(transport, err)
			item.Error = &ItemError{Code: apperr.CodeOf(err), Message: apperr.MessageOf(err)}
			report.Rejected++
		} else {
			i.metrics.MeasurementAccepted(transport)
			item.MeasurementID = m.ID
			report.Accepted++
		}
		report.Items = append(report.Items, item)
	}

	i.logger.Debug("batch ingested", "box_id", boxID, "accepted", report.Accepted, "rejected", report.Rejected)
	return report, nil
}

// store validates s, persists it and advances the sensor pointer.
func (i *Ingestor) store(ctx context.Context, boxID string, s Sample) (*Measurement, error) {
	value, err := ParseValue(string(s.Value))
	if err != nil {
		return nil, err
	}
	createdAt, err := ResolveTimestamp(s.CreatedAt, i.now())
	if err != nil {
		return nil, err
	}
	id, err := i.newID()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "measurement.id", err, "could not allocate measurement id")
	}

	m := &Measurement{ID: id, SensorID: s.SensorID, Value: value, CreatedAt: createdAt}
	if err := i.repo.Insert(ctx, m); err != nil {
		return nil, err
	}

	// The measurement is committed; a failed pointer update leaves history
	// intact and the next newer measurement repairs the pointer.
	if _, err := i.sensors.AdvanceLastMeasurement(ctx, s.SensorID, m.ID, m.CreatedAt); err != nil {
		if !errors.Is(err, apperr.NotFound) {
			i.logger.Warn("advancing last measurement", "sensor_id", s.SensorID, "measurement_id", m.ID, "error", err)
		}
		return nil, err
	}

	for _, o := range i.observers {
		o.MeasurementStored(boxID, *m)
	}
	return m, nil
}

func (i *Ingestor) rejected(transport string, err error) {
	i.metrics.MeasurementRejected(transport, apperr.CodeOf(err))
}

// newMeasurementID returns a time-ordered UUID.
func newMeasurementID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Transports label where a measurement came from.
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)
