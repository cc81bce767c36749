package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// fakeInflux answers pings and records line protocol bodies of writes.
type fakeInflux struct {
	*httptest.Server

	mu         sync.Mutex
	lines      []string
	writeQuery []string

	writeStatus atomic.Int32
	pingStatus  atomic.Int32
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{}
	f.writeStatus.Store(http.StatusNoContent)
	f.pingStatus.Store(http.StatusNoContent)

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ping"):
			w.WriteHeader(int(f.pingStatus.Load()))
		case strings.HasSuffix(r.URL.Path, "/write"):
			body, _ := io.ReadAll(r.Body)
			status := int(f.writeStatus.Load())
			if status == http.StatusNoContent {
				f.mu.Lock()
				f.writeQuery = append(f.writeQuery, r.URL.RawQuery)
				for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
					if line != "" {
						f.lines = append(f.lines, line)
					}
				}
				f.mu.Unlock()
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(status)
			if status != http.StatusNoContent {
				io.WriteString(w, `{"code":"invalid","message":"unable to parse points"}`) //nolint:errcheck // test server
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeInflux) config() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           f.URL + "/",
		Token:         "telemetry-dev-token",
		Org:           "telemetry",
		Bucket:        "sensors",
		BatchSize:     100,
		FlushInterval: 60,
	}
}

func connect(t *testing.T, cfg config.InfluxDBConfig) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func TestConnect(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f.config())

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Errors(t *testing.T) {
	f := newFakeInflux(t)

	tests := []struct {
		name    string
		mutate  func(*config.InfluxDBConfig)
		wantErr error
	}{
		{
			name:    "disabled",
			mutate:  func(c *config.InfluxDBConfig) { c.Enabled = false },
			wantErr: influxdb.ErrDisabled,
		},
		{
			name:    "missing bucket",
			mutate:  func(c *config.InfluxDBConfig) { c.Bucket = "" },
			wantErr: influxdb.ErrInvalidConfig,
		},
		{
			name:    "unreachable server",
			mutate:  func(c *config.InfluxDBConfig) { c.URL = "http://127.0.0.1:1" },
			wantErr: influxdb.ErrConnectionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.config()
			tt.mutate(&cfg)
			client, err := influxdb.Connect(context.Background(), cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect() error = %v, want %v", err, tt.wantErr)
			}
			if client != nil {
				t.Error("Connect() returned a client on error")
			}
		})
	}
}

func TestConnect_UnhealthyServer(t *testing.T) {
	f := newFakeInflux(t)
	f.pingStatus.Store(http.StatusServiceUnavailable)

	if _, err := influxdb.Connect(context.Background(), f.config()); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	f := newFakeInflux(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := influxdb.Connect(ctx, f.config()); err == nil {
		t.Error("Connect() with cancelled context returned nil error")
	}
}

func TestMirrorWrites(t *testing.T) {
	f := newFakeInflux(t)
	client := connect(t, f.config())

	stored := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.RecordStored(telemetry.Record{
		Topic:    "sensor/data",
		Class:    telemetry.ClassApplication,
		Fields:   telemetry.Fields{"temperature": 28.1, "humidity": 55.0},
		StoredAt: stored,
		Status:   telemetry.StatusStored,
	})
	client.RecordStored(telemetry.Record{
		Topic:  "sensor/data",
		Fields: telemetry.Fields{"city": "Porto"},
	})
	client.PredictionStored(telemetry.Prediction{SoilMoisture: 30, Output: 1, Status: "IRRIGATE", StoredAt: stored})
	client.Flush()

	lines := f.Lines()
	if len(lines) != 2 {
		t.Fatalf("server received %d lines, want 2: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "telemetry,class=application,source=telemetry-bridge,status=stored,topic=sensor/data ") {
		t.Errorf("record line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "predictions,source=telemetry-bridge,status=IRRIGATE ") {
		t.Errorf("prediction line = %q", lines[1])
	}

	f.mu.Lock()
	query := f.writeQuery[0]
	f.mu.Unlock()
	if !strings.Contains(query, "bucket=sensors") || !strings.Contains(query, "org=telemetry") {
		t.Errorf("write query = %q, want org and bucket", query)
	}

	stats := client.Stats()
	if stats.Queued != 2 || stats.Skipped != 1 {
		t.Errorf("Stats() = %+v, want 2 queued and 1 skipped", stats)
	}
}

func TestWriteErrorsReported(t *testing.T) {
	f := newFakeInflux(t)
	f.writeStatus.Store(http.StatusBadRequest)
	client := connect(t, f.config())

	errCh := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	client.RecordStored(telemetry.Record{
		Topic:    "sensor/data",
		Fields:   telemetry.Fields{"temperature": 19.0},
		StoredAt: time.Now(),
	})
	client.Flush()

	select {
	case err := <-errCh:
		if !errors.Is(err, influxdb.ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error was not reported")
	}
	if n := client.Stats().WriteErrors; n < 1 {
		t.Errorf("WriteErrors = %d, want at least 1", n)
	}
}

func TestClose(t *testing.T) {
	f := newFakeInflux(t)
	client, err := influxdb.Connect(context.Background(), f.config())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.RecordStored(telemetry.Record{Topic: "sensor/data", Fields: telemetry.Fields{"temperature": 20.0}, StoredAt: time.Now()})
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(f.Lines()) != 1 {
		t.Errorf("pending point not flushed on Close; server has %d lines", len(f.Lines()))
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	// Writes after close are dropped and a second Close is harmless.
	client.RecordStored(telemetry.Record{Topic: "sensor/data", Fields: telemetry.Fields{"temperature": 21.0}})
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRecordPoint(t *testing.T) {
	produced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := produced.Add(2 * time.Second)

	tests := []struct {
		name     string
		rec      telemetry.Record
		wantOK   bool
		wantLine string
	}{
		{
			name: "numeric and string fields",
			rec: telemetry.Record{
				Topic:      "sensor/data",
				Class:      telemetry.ClassApplication,
				Status:     telemetry.StatusStored,
				Fields:     telemetry.Fields{"temperature": 28.1, "city": "Lisbon", "timestamp": "2026-03-01T12:00:00Z"},
				ProducedAt: &produced,
				StoredAt:   stored,
			},
			wantOK:   true,
			wantLine: "telemetry,city=Lisbon,class=application,status=stored,topic=sensor/data temperature=28.1 1772366400000000000\n",
		},
		{
			name: "device record uses storage time",
			rec: telemetry.Record{
				Topic:    "devices/esp32-01/messages/events/",
				Class:    telemetry.ClassDeviceToHub,
				DeviceID: "esp32-01",
				Status:   telemetry.StatusStored,
				Fields:   telemetry.Fields{"humidity": 61.0},
				StoredAt: stored,
			},
			wantOK:   true,
			wantLine: "telemetry,class=d2c,device_id=esp32-01,status=stored,topic=devices/esp32-01/messages/events/ humidity=61 1772366402000000000\n",
		},
		{
			name: "boolean field",
			rec: telemetry.Record{
				Topic:    "farm/north/valve",
				Class:    telemetry.ClassApplication,
				Status:   telemetry.StatusReplayed,
				Fields:   telemetry.Fields{"open": true},
				StoredAt: stored,
			},
			wantOK:   true,
			wantLine: "telemetry,class=application,status=replayed,topic=farm/north/valve open=true 1772366402000000000\n",
		},
		{
			name: "no values",
			rec: telemetry.Record{
				Topic:  "sensor/data",
				Fields: telemetry.Fields{"city": "Porto"},
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			point, ok := influxdb.RecordPoint("telemetry", tt.rec)
			if ok != tt.wantOK {
				t.Fatalf("RecordPoint() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got := write.PointToLineProtocol(point, time.Nanosecond); got != tt.wantLine {
				t.Errorf("RecordPoint() line = %q, want %q", got, tt.wantLine)
			}
		})
	}
}

func TestPredictionPoint(t *testing.T) {
	p := telemetry.Prediction{
		StoredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SoilMoisture: 32.5,
		Temperature:  24,
		Nitrogen:     120,
		Output:       1,
		Status:       "IRRIGATE",
	}
	got := write.PointToLineProtocol(influxdb.PredictionPoint(p), time.Nanosecond)
	want := "predictions,status=IRRIGATE nitrogen=120,output=1i,soil_moisture=32.5,temperature=24 1772366400000000000\n"
	if got != want {
		t.Errorf("PredictionPoint() line = %q, want %q", got, want)
	}
}
