package audit

import (
	"context"
	"sync"
)

// queueSize is the buffer of the asynchronous writer. Entries beyond it
// are dropped so audit writes never hold up a request.
const queueSize = 256

// Logger is the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder queues entries and writes them serially on one goroutine.
// Failures are logged and never reach the caller.
type Recorder struct {
	repo   Repository
	source string
	logger Logger

	queue chan *Entry
	wg    sync.WaitGroup
}

// NewRecorder creates a recorder that stamps entries with source.
func NewRecorder(repo Repository, source string) *Recorder {
	return &Recorder{
		repo:   repo,
		source: source,
		logger: noopLogger{},
		queue:  make(chan *Entry, queueSize),
	}
}

// SetLogger sets the logger.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start launches the writer. It stops when ctx is cancelled, after
// draining queued entries.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain(ctx)
	}()
}

// Wait blocks until the writer has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Record enqueues an event.
func (r *Recorder) Record(_ context.Context, action, entityType, entityID string, details map[string]any) {
	e := &Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     r.source,
		Details:    details,
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("audit queue full, dropping entry",
			"action", action,
			"entity_id", entityID,
		)
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e *Entry) {
	// The request that produced e may be gone already.
	if err := r.repo.Create(context.Background(), e); err != nil {
		r.logger.Error("audit write failed",
			"action", e.Action,
			"entity_id", e.EntityID,
			"error", err,
		)
	}
}
