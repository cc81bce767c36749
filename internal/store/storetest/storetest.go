// Package storetest provides an in-memory store.Store with injectable
// failures for sink, dispatcher and lifecycle tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Memory is an in-memory store.Store.
type Memory struct {
	mu          sync.Mutex
	records     []telemetry.Record
	predictions []telemetry.Prediction
	samples     []telemetry.Sample
	nextID      int64

	failNext  []error
	failAll   error
	healthErr error
	delay     time.Duration
	closed    bool
	attempts  int
}

var _ store.Store = (*Memory)(nil)

// New returns an empty store.
func New() *Memory {
	return &Memory{}
}

// FailNext queues errors returned by the next insert calls, in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// FailAll makes every insert return err until cleared with nil.
func (m *Memory) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// SetHealth sets the error returned by HealthCheck.
func (m *Memory) SetHealth(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// Delay makes every insert wait d or until its context is done.
func (m *Memory) Delay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *Memory) before(ctx context.Context) error {
	m.mu.Lock()
	m.attempts++
	delay := m.delay
	var err error
	switch {
	case m.closed:
		err = store.ErrClosed
	case len(m.failNext) > 0:
		err = m.failNext[0]
		m.failNext = m.failNext[1:]
	case m.failAll != nil:
		err = m.failAll
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// InsertRecord stores a copy of rec and assigns its ID.
func (m *Memory) InsertRecord(ctx context.Context, rec *telemetry.Record) error {
	if err := m.before(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	cp := *rec
	cp.Fields = rec.Fields.Clone()
	m.records = append(m.records, cp)
	return nil
}

// InsertPrediction stores a copy of p and assigns its ID.
func (m *Memory) InsertPrediction(ctx context.Context, p *telemetry.Prediction) error {
	if err := m.before(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.predictions = append(m.predictions, *p)
	return nil
}

// SeedReference follows the write-once rule of store.Store.
func (m *Memory) SeedReference(ctx context.Context, samples []telemetry.Sample, replace bool) (int, error) {
	if err := m.before(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) > 0 && !replace {
		return 0, store.ErrReferenceSeeded
	}
	m.samples = append([]telemetry.Sample(nil), samples...)
	return len(samples), nil
}

// RecentRecords returns up to limit records, newest first.
func (m *Memory) RecentRecords(_ context.Context, limit int) ([]telemetry.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telemetry.Record
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// HealthCheck returns the error set with SetHealth.
func (m *Memory) HealthCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return store.ErrClosed
	}
	return m.healthErr
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Records returns copies of the stored records in insertion order.
func (m *Memory) Records() []telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Record(nil), m.records...)
}

// Predictions returns copies of the stored predictions in insertion order.
func (m *Memory) Predictions() []telemetry.Prediction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Prediction(nil), m.predictions...)
}

// Samples returns the reference dataset.
func (m *Memory) Samples() []telemetry.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Sample(nil), m.samples...)
}

// Attempts returns the number of insert and seed calls, including failures.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
