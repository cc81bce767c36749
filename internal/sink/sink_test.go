package sink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/database"
	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/store/sqlite"
	"github.com/nerrad567/telemetry-bridge/internal/store/storetest"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

var errDown = errors.New("database is locked")

type fakeDeadLetter struct {
	mu          sync.Mutex
	records     []telemetry.Record
	predictions []telemetry.Prediction
	err         error
}

func (d *fakeDeadLetter) WriteRecord(rec telemetry.Record, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.records = append(d.records, rec)
	return nil
}

func (d *fakeDeadLetter) WritePrediction(p telemetry.Prediction, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.predictions = append(d.predictions, p)
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	records     []telemetry.Record
	predictions []telemetry.Prediction
}

func (o *recordingObserver) RecordStored(rec telemetry.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func (o *recordingObserver) PredictionStored(p telemetry.Prediction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.predictions = append(o.predictions, p)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

func newTestSink(st store.Store, dl DeadLetter) *Sink {
	return New(st, Options{
		WriteBudget: 200 * time.Millisecond,
		RetryPause:  time.Millisecond,
		DeadLetter:  dl,
		Now:         func() time.Time { return fixedNow },
	})
}

func sampleRecord() *telemetry.Record {
	produced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &telemetry.Record{
		Topic:      "sensor/data",
		Class:      telemetry.ClassApplication,
		Fields:     telemetry.Fields{"temperature": 28.1, "humidity": 55.0},
		ProducedAt: &produced,
		ReceivedAt: produced.Add(time.Second),
	}
}

func TestStore(t *testing.T) {
	tests := []struct {
		name         string
		failures     []error
		deadLetter   *fakeDeadLetter
		wantStatus   string
		wantErr      bool
		wantDead     bool
		wantStored   int
		wantAttempts int
	}{
		{
			name:         "first attempt",
			wantStatus:   telemetry.StatusStored,
			wantStored:   1,
			wantAttempts: 1,
		},
		{
			name:         "retry succeeds",
			failures:     []error{errDown},
			wantStatus:   telemetry.StatusStoredAfterRetry,
			wantStored:   1,
			wantAttempts: 2,
		},
		{
			name:         "dead-lettered",
			failures:     []error{errDown, errDown},
			deadLetter:   &fakeDeadLetter{},
			wantStatus:   telemetry.StatusDeadLetter,
			wantErr:      true,
			wantDead:     true,
			wantAttempts: 2,
		},
		{
			name:         "no dead-letter path",
			failures:     []error{errDown, errDown},
			wantStatus:   telemetry.StatusDeadLetter,
			wantErr:      true,
			wantAttempts: 2,
		},
		{
			name:         "dead-letter write fails",
			failures:     []error{errDown, errDown},
			deadLetter:   &fakeDeadLetter{err: errors.New("disk full")},
			wantStatus:   telemetry.StatusDeadLetter,
			wantErr:      true,
			wantAttempts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storetest.New()
			st.FailNext(tt.failures...)

			var dl DeadLetter
			if tt.deadLetter != nil {
				dl = tt.deadLetter
			}
			s := newTestSink(st, dl)

			rec := sampleRecord()
			res, err := s.Store(context.Background(), rec)

			if rec.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", rec.Status, tt.wantStatus)
			}
			if got := st.Attempts(); got != tt.wantAttempts {
				t.Errorf("store attempts = %d, want %d", got, tt.wantAttempts)
			}
			stored := st.Records()
			if got := len(stored); got != tt.wantStored {
				t.Errorf("stored records = %d, want %d", got, tt.wantStored)
			}
			for _, row := range stored {
				if row.Status != tt.wantStatus {
					t.Errorf("persisted Status = %q, want %q", row.Status, tt.wantStatus)
				}
			}

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Store() error = %v", err)
				}
				if res.ID == 0 || res.Status != tt.wantStatus {
					t.Errorf("Store() result = %+v", res)
				}
				return
			}

			if !errors.Is(err, ErrStore) || !errors.Is(err, errDown) {
				t.Fatalf("Store() error = %v, want ErrStore wrapping the cause", err)
			}
			var serr *StoreError
			if !errors.As(err, &serr) {
				t.Fatalf("Store() error type = %T, want *StoreError", err)
			}
			if serr.DeadLettered != tt.wantDead {
				t.Errorf("DeadLettered = %v, want %v", serr.DeadLettered, tt.wantDead)
			}
			if serr.Record.Topic != "sensor/data" {
				t.Errorf("StoreError.Record.Topic = %q", serr.Record.Topic)
			}
			if tt.wantDead && len(tt.deadLetter.records) != 1 {
				t.Errorf("dead-lettered %d records, want 1", len(tt.deadLetter.records))
			}
		})
	}
}

// flakyStore fails the first n record inserts before delegating.
type flakyStore struct {
	store.Store
	n int
}

func (f *flakyStore) InsertRecord(ctx context.Context, rec *telemetry.Record) error {
	if f.n > 0 {
		f.n--
		return errDown
	}
	return f.Store.InsertRecord(ctx, rec)
}

func TestStorePersistsStatus(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     string
	}{
		{name: "first attempt", want: telemetry.StatusStored},
		{name: "after retry", failures: 1, want: telemetry.StatusStoredAfterRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := sqlite.Open(context.Background(), database.Config{
				Path:        filepath.Join(t.TempDir(), "telemetry.db"),
				BusyTimeout: 5,
			})
			if err != nil {
				t.Fatalf("sqlite.Open() error = %v", err)
			}
			t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

			s := newTestSink(&flakyStore{Store: db, n: tt.failures}, nil)
			if _, err := s.Store(context.Background(), sampleRecord()); err != nil {
				t.Fatalf("Store() error = %v", err)
			}

			rows, err := db.RecentRecords(context.Background(), 10)
			if err != nil {
				t.Fatalf("RecentRecords() error = %v", err)
			}
			if len(rows) != 1 {
				t.Fatalf("RecentRecords() = %d rows, want 1", len(rows))
			}
			if rows[0].Status != tt.want {
				t.Errorf("persisted Status = %q, want %q", rows[0].Status, tt.want)
			}
		})
	}
}

func TestStoreTimestamps(t *testing.T) {
	st := storetest.New()
	s := newTestSink(st, nil)

	rec := sampleRecord()
	if _, err := s.Store(context.Background(), rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got := st.Records()[0]
	if !got.StoredAt.Equal(fixedNow) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, fixedNow)
	}
	if got.ProducedAt == nil || !got.ProducedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("ProducedAt = %v, want the production time retained", got.ProducedAt)
	}
}

func TestStoreBudget(t *testing.T) {
	st := storetest.New()
	st.Delay(time.Second)
	s := New(st, Options{WriteBudget: 20 * time.Millisecond, RetryPause: time.Millisecond})

	start := time.Now()
	_, err := s.Store(context.Background(), sampleRecord())
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Store() error = %v, want deadline exceeded", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Store() took %v, want it bounded by the write budget", elapsed)
	}
}

func TestStoreSurvivesCancelledContext(t *testing.T) {
	st := storetest.New()
	s := newTestSink(st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Store(ctx, sampleRecord()); err != nil {
		t.Fatalf("Store() with cancelled ctx error = %v, want in-flight write to finish", err)
	}
	if len(st.Records()) != 1 {
		t.Errorf("stored records = %d, want 1", len(st.Records()))
	}
}

func TestObservers(t *testing.T) {
	st := storetest.New()
	s := newTestSink(st, nil)
	obs := &recordingObserver{}
	s.Observe(obs)

	s.Store(context.Background(), sampleRecord())
	st.FailNext(errDown, errDown)
	s.Store(context.Background(), sampleRecord())
	s.StorePrediction(context.Background(), &telemetry.Prediction{SoilMoisture: 20, Output: 1, Status: "IRRIGATE"})

	if len(obs.records) != 1 {
		t.Errorf("observer saw %d records, want 1 (failures are not observed)", len(obs.records))
	}
	if len(obs.predictions) != 1 {
		t.Errorf("observer saw %d predictions, want 1", len(obs.predictions))
	}
}

func TestStorePrediction(t *testing.T) {
	st := storetest.New()
	dl := &fakeDeadLetter{}
	s := newTestSink(st, dl)

	p := &telemetry.Prediction{SoilMoisture: 20, Output: 1, Status: "IRRIGATE"}
	res, err := s.StorePrediction(context.Background(), p)
	if err != nil {
		t.Fatalf("StorePrediction() error = %v", err)
	}
	if res.ID == 0 || !p.StoredAt.Equal(fixedNow) {
		t.Errorf("StorePrediction() result = %+v, StoredAt = %v", res, p.StoredAt)
	}

	st.FailNext(errDown, errDown)
	_, err = s.StorePrediction(context.Background(), &telemetry.Prediction{Output: 0, Status: "DO_NOT_IRRIGATE"})
	if !errors.Is(err, ErrStore) {
		t.Errorf("StorePrediction() error = %v, want ErrStore", err)
	}
	if len(dl.predictions) != 1 {
		t.Errorf("dead-lettered %d predictions, want 1", len(dl.predictions))
	}
}

func TestSeedReference(t *testing.T) {
	st := storetest.New()
	s := newTestSink(st, nil)
	samples := []telemetry.Sample{{SoilMoisture: 30, Irrigate: true}, {SoilMoisture: 70}}

	n, err := s.SeedReference(context.Background(), samples, false)
	if err != nil || n != 2 {
		t.Fatalf("SeedReference() = %d, %v, want 2, nil", n, err)
	}
	if _, err := s.SeedReference(context.Background(), samples, false); !errors.Is(err, store.ErrReferenceSeeded) {
		t.Errorf("second SeedReference() error = %v, want ErrReferenceSeeded", err)
	}
	if n, err := s.SeedReference(context.Background(), samples[:1], true); err != nil || n != 1 {
		t.Errorf("SeedReference(replace) = %d, %v, want 1, nil", n, err)
	}
}

func TestConnect(t *testing.T) {
	t.Run("retries until reachable", func(t *testing.T) {
		st := storetest.New()
		var calls []time.Time
		open := func(context.Context) (store.Store, error) {
			calls = append(calls, time.Now())
			if len(calls) < 3 {
				return nil, errors.New("connection refused")
			}
			return st, nil
		}

		got, err := Connect(context.Background(), open, RetryOptions{Delay: 20 * time.Millisecond})
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if got != st {
			t.Error("Connect() returned a different store")
		}
		if len(calls) != 3 {
			t.Fatalf("open calls = %d, want 3", len(calls))
		}
		for i := 1; i < len(calls); i++ {
			if gap := calls[i].Sub(calls[i-1]); gap < 20*time.Millisecond {
				t.Errorf("attempt %d came %v after the previous, want >= 20ms", i+1, gap)
			}
		}
	})

	t.Run("max attempts", func(t *testing.T) {
		open := func(context.Context) (store.Store, error) {
			return nil, errDown
		}
		var seen []int
		_, err := Connect(context.Background(), open, RetryOptions{
			Delay:       time.Millisecond,
			MaxAttempts: 3,
			OnAttempt:   func(n int, _ error) { seen = append(seen, n) },
		})
		if !errors.Is(err, ErrConnectExhausted) || !errors.Is(err, errDown) {
			t.Errorf("Connect() error = %v, want ErrConnectExhausted wrapping the cause", err)
		}
		if len(seen) != 3 {
			t.Errorf("OnAttempt calls = %v, want 3", seen)
		}
	})

	t.Run("cancelled mid retry", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		open := func(context.Context) (store.Store, error) {
			return nil, errDown
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		_, err := Connect(ctx, open, RetryOptions{Delay: time.Hour})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Connect() error = %v, want context.Canceled", err)
		}
	})
}
