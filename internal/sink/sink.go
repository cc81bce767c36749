package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultWriteBudget = 10 * time.Second
	DefaultRetryPause  = 200 * time.Millisecond
)

// Logger is the logging interface used by the sink.
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

// Metrics receives store outcomes. All methods must be safe for concurrent use.
type Metrics interface {
	// StoreResult counts one Store call by final status.
	StoreResult(status string)
	// StoreDuration observes the time spent in one Store call.
	StoreDuration(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) StoreResult(string)          {}
func (noopMetrics) StoreDuration(time.Duration) {}

// DeadLetter receives records and predictions that could not be stored.
// *deadletter.Spool implements it.
type DeadLetter interface {
	WriteRecord(rec telemetry.Record, cause error) error
	WritePrediction(p telemetry.Prediction, cause error) error
}

// Observer is notified after a successful write. Calls are made from the
// storing goroutine and must not block.
type Observer interface {
	RecordStored(rec telemetry.Record)
	PredictionStored(p telemetry.Prediction)
}

// Options configures a Sink.
type Options struct {
	// WriteBudget bounds each write attempt. Default: 10s.
	WriteBudget time.Duration

	// RetryPause is the wait before the single retry. Default: 200ms.
	RetryPause time.Duration

	// DeadLetter receives records that fail twice. Optional.
	DeadLetter DeadLetter

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock used for storage timestamps.
	Now func() time.Time
}

// Result describes a successful write.
type Result struct {
	ID       int64
	Status   string
	Attempts int
	StoredAt time.Time
}

// Sink owns the store connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Sink struct {
	store   store.Store
	opts    Options
	logger  Logger
	metrics Metrics
	now     func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// New wraps an open store.
func New(st store.Store, opts Options) *Sink {
	if opts.WriteBudget <= 0 {
		opts.WriteBudget = DefaultWriteBudget
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = DefaultRetryPause
	}
	s := &Sink{
		store:   st,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Observe registers o for every subsequent successful write.
func (s *Sink) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Store writes rec to the event log.
//
// rec.StoredAt is set at the moment of each attempt; rec.ProducedAt is kept
// as decoded. Each attempt is bounded by the write budget and is not cut
// short by cancellation of ctx, so a write in flight at shutdown finishes or
// times out. A failed first attempt is retried once. When both attempts
// fail, rec is handed to the dead-letter spool and a *StoreError is
// returned.
func (s *Sink) Store(ctx context.Context, rec *telemetry.Record) (Result, error) {
	start := time.Now()
	defer func() { s.metrics.StoreDuration(time.Since(start)) }()

	err := s.attempt(ctx, func(actx context.Context, n int) error {
		rec.StoredAt = s.now().UTC()
		rec.Status = statusForAttempt(n)
		return s.store.InsertRecord(actx, rec)
	})
	if errors.Is(err, errRetried) {
		err = nil
	}
	if err == nil {
		s.metrics.StoreResult(rec.Status)
		s.logger.Debug("record stored", "id", rec.ID, "topic", rec.Topic, "status", rec.Status)
		s.notifyRecord(*rec)
		return Result{ID: rec.ID, Status: rec.Status, Attempts: attemptsFor(rec.Status), StoredAt: rec.StoredAt}, nil
	}

	rec.Status = telemetry.StatusDeadLetter
	serr := &StoreError{Record: *rec, Err: err}
	if s.opts.DeadLetter != nil {
		if dlErr := s.opts.DeadLetter.WriteRecord(*rec, err); dlErr != nil {
			s.logger.Error("dead-letter write failed", "topic", rec.Topic, "error", dlErr, "fields", rec.Fields)
		} else {
			serr.DeadLettered = true
		}
	}
	s.metrics.StoreResult(rec.Status)
	s.logger.Error("record not stored",
		"topic", rec.Topic,
		"correlation_id", rec.CorrelationID,
		"dead_lettered", serr.DeadLettered,
		"error", err,
	)
	return Result{}, serr
}

// StorePrediction writes p to the prediction log with the same budget,
// retry and dead-letter policy as Store.
func (s *Sink) StorePrediction(ctx context.Context, p *telemetry.Prediction) (Result, error) {
	err := s.attempt(ctx, func(actx context.Context, _ int) error {
		if p.StoredAt.IsZero() {
			p.StoredAt = s.now().UTC()
		}
		return s.store.InsertPrediction(actx, p)
	})

	status := telemetry.StatusStored
	if errors.Is(err, errRetried) {
		status = telemetry.StatusStoredAfterRetry
		err = nil
	}
	if err == nil {
		s.notifyPrediction(*p)
		return Result{ID: p.ID, Status: status, Attempts: attemptsFor(status), StoredAt: p.StoredAt}, nil
	}

	dead := false
	if s.opts.DeadLetter != nil {
		if dlErr := s.opts.DeadLetter.WritePrediction(*p, err); dlErr != nil {
			s.logger.Error("dead-letter write failed", "kind", "prediction", "error", dlErr)
		} else {
			dead = true
		}
	}
	s.logger.Error("prediction not stored", "source_topic", p.SourceTopic, "dead_lettered", dead, "error", err)
	return Result{}, fmt.Errorf("%w: prediction: %w", ErrStore, err)
}

// SeedReference writes the write-once reference dataset.
func (s *Sink) SeedReference(ctx context.Context, samples []telemetry.Sample, replace bool) (int, error) {
	n, err := s.store.SeedReference(ctx, samples, replace)
	if err != nil {
		return 0, fmt.Errorf("%w: seeding reference dataset: %w", ErrStore, err)
	}
	s.logger.Info("reference dataset seeded", "rows", n, "replace", replace)
	return n, nil
}

// RecentRecords returns up to limit records, newest first.
func (s *Sink) RecentRecords(ctx context.Context, limit int) ([]telemetry.Record, error) {
	return s.store.RecentRecords(ctx, limit)
}

// HealthCheck verifies the store is reachable.
func (s *Sink) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

// Close closes the store connection.
func (s *Sink) Close() error {
	return s.store.Close()
}

// errRetried marks success on the second attempt.
var errRetried = errors.New("stored after retry")

// statusForAttempt is the status a record is written with on attempt n.
func statusForAttempt(n int) string {
	if n > 1 {
		return telemetry.StatusStoredAfterRetry
	}
	return telemetry.StatusStored
}

// attempt runs write up to twice. It returns nil, errRetried or the last
// failure.
func (s *Sink) attempt(ctx context.Context, write func(ctx context.Context, n int) error) error {
	first := s.bounded(ctx, func(actx context.Context) error { return write(actx, 1) })
	if first == nil {
		return nil
	}
	s.logger.Warn("store write failed, retrying once", "error", first)

	// Shutdown skips the pause but not the retry.
	select {
	case <-time.After(s.opts.RetryPause):
	case <-ctx.Done():
	}

	second := s.bounded(ctx, func(actx context.Context) error { return write(actx, 2) })
	if second == nil {
		return errRetried
	}
	return second
}

func (s *Sink) bounded(ctx context.Context, write func(context.Context) error) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteBudget)
	defer cancel()
	return write(actx)
}

func (s *Sink) notifyRecord(rec telemetry.Record) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o.RecordStored(rec)
	}
}

func (s *Sink) notifyPrediction(p telemetry.Prediction) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o.PredictionStored(p)
	}
}

func attemptsFor(status string) int {
	if status == telemetry.StatusStoredAfterRetry {
		return 2
	}
	return 1
}
