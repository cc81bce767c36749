package influxdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultMeasurement    = "telemetry"
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 * time.Second

	// sourceTag is added to every point so bridge data can be told apart
	// from other writers sharing the bucket.
	sourceTag   = "source"
	sourceValue = "telemetry-bridge"
)

// Stats counts what the mirror did with the records it was handed.
type Stats struct {
	// Queued points handed to the batching writer.
	Queued int64 `json:"queued"`

	// Skipped records without any numeric or boolean field.
	Skipped int64 `json:"skipped"`

	// WriteErrors reported asynchronously by the batching writer.
	WriteErrors int64 `json:"write_errors"`
}

// Client mirrors persisted records and predictions into InfluxDB. It
// implements the sink's Observer interface.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - RecordStored and PredictionStored never block on the network.
type Client struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string

	mu      sync.RWMutex
	closed  bool
	onError func(err error)

	queued      atomic.Int64
	skipped     atomic.Int64
	writeErrors atomic.Int64
}

// Connect creates the client, verifies the server answers a ping within
// ctx and starts the batching writer.
//
// Parameters:
//   - ctx: Bounds the initial ping
//   - cfg: InfluxDB configuration
//
// Returns:
//   - *Client: Connected client
//   - error: ErrDisabled, ErrInvalidConfig or ErrConnectionFailed
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	batchSize := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batchSize = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize).
		SetFlushInterval(uint(flush / time.Millisecond)).
		AddDefaultTag(sourceTag, sourceValue)
	client := influxdb2.NewClientWithOptions(strings.TrimRight(cfg.URL, "/"), cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = defaultMeasurement
	}

	c := &Client{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}
	go c.handleWriteErrors(c.writeAPI.Errors())
	return c, nil
}

func validate(cfg config.InfluxDBConfig) error {
	var missing []string
	if cfg.URL == "" {
		missing = append(missing, "url")
	}
	if cfg.Org == "" {
		missing = append(missing, "org")
	}
	if cfg.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// handleWriteErrors drains the writer's error channel until the client is
// closed.
func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.writeErrors.Add(1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// Close flushes pending points and closes the client. Further writes are
// dropped. Calling Close more than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether the client is open. It does not ping.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// SetOnError sets the callback for asynchronous write failures. Errors
// passed to it wrap ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until buffered points are sent. It is a no-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Stats returns the mirror counters.
func (c *Client) Stats() Stats {
	return Stats{
		Queued:      c.queued.Load(),
		Skipped:     c.skipped.Load(),
		WriteErrors: c.writeErrors.Load(),
	}
}
