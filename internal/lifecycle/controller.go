package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/telemetry-bridge/internal/api"
	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/deadletter"
	"github.com/nerrad567/telemetry-bridge/internal/dispatch"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/telemetry-bridge/internal/iothub"
	"github.com/nerrad567/telemetry-bridge/internal/metrics"
	"github.com/nerrad567/telemetry-bridge/internal/predict"
	"github.com/nerrad567/telemetry-bridge/internal/publisher"
	"github.com/nerrad567/telemetry-bridge/internal/session"
	"github.com/nerrad567/telemetry-bridge/internal/sink"
	"github.com/nerrad567/telemetry-bridge/internal/store"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Process modes reported by the status endpoint.
const (
	ModeConsume = "consume"
	ModeProduce = "produce"
)

// ErrUnsupportedQoS is returned when hub mode is configured with QoS 2.
var ErrUnsupportedQoS = errors.New("lifecycle: iothub supports QoS 0 and 1 only")

// Options configures a Controller. Every field is optional; nil fields are
// built from the configuration.
type Options struct {
	Version string
	Logger  *logging.Logger

	// Transport replaces the transport built by BuildTransport.
	Transport broker.Transport

	// Opener replaces the opener built by StoreOpener.
	Opener sink.Opener

	// Generator replaces the one named by publisher.generator.
	Generator telemetry.Generator

	// Model replaces the threshold model used when dispatcher.predict is set.
	Model predict.Model

	// Registry receives the bridge's collectors. Default: a new registry
	// with the Go and process collectors.
	Registry *prometheus.Registry
}

// Controller runs one consumer or producer process.
//
// Thread Safety:
//   - Run methods must not be called concurrently on the same Controller.
//   - Stats is safe to call at any time.
type Controller struct {
	cfg      *config.Config
	opts     Options
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	mu         sync.Mutex
	dispatcher *dispatch.Dispatcher
	loop       *publisher.Loop
	spool      *deadletter.Spool
	influx     *influxdb.Client
}

// New creates a Controller for cfg. No connections are opened until a Run
// method is called.
func New(cfg *config.Config, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Controller{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
	}
}

// Registry returns the registry holding the bridge's collectors.
func (c *Controller) Registry() *prometheus.Registry {
	return c.registry
}

// RunConsumer connects the store, then the broker session, and persists
// every delivery on the configured topic until ctx is cancelled.
//
// It returns nil after an orderly shutdown, including one requested while
// the store connection was still being retried. Startup failures, fatal
// broker errors and exhausted retry budgets are returned.
func (c *Controller) RunConsumer(ctx context.Context) error {
	c.logger.Info("starting consumer", "mode", c.cfg.Mode, "version", c.opts.Version)

	var cl closers
	defer func() { cl.release(c.logger) }()

	spool, err := OpenSpool(ctx, c.cfg.DeadLetter, c.logger)
	if err != nil {
		return fmt.Errorf("opening dead-letter spool: %w", err)
	}
	if spool != nil {
		cl.add("dead-letter spool", spool.Close)
	}

	pattern, err := c.inboundPattern()
	if err != nil {
		return err
	}
	qos, err := c.qos()
	if err != nil {
		return err
	}

	st, err := c.connectStore(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Info("shutdown requested while connecting to the store")
			return nil
		}
		return fmt.Errorf("connecting store: %w", err)
	}

	sinkOpts := sink.Options{
		WriteBudget: c.cfg.GetStoreWriteBudget(),
		Logger:      c.logger.Component("sink"),
		Metrics:     c.metrics,
	}
	if spool != nil {
		sinkOpts.DeadLetter = spool
	}
	snk := sink.New(st, sinkOpts)
	cl.add("store", snk.Close)

	if influx := connectInflux(ctx, c.cfg.InfluxDB, c.logger); influx != nil {
		snk.Observe(influx)
		cl.add("influxdb mirror", influx.Close)
		c.mu.Lock()
		c.influx = influx
		c.mu.Unlock()
	}

	transport, err := c.transport()
	if err != nil {
		return err
	}
	mgr := session.NewManager(transport, c.sessionOptions())

	disp := dispatch.New(dispatch.Options{Logger: c.logger.Component("dispatcher"), Metrics: c.metrics})
	if err := disp.Handle(pattern, c.persist(snk)); err != nil {
		return fmt.Errorf("registering %q: %w", pattern, err)
	}
	if err := disp.Subscribe(ctx, mgr, qos); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	c.mu.Lock()
	c.dispatcher, c.loop, c.spool = disp, nil, spool
	c.mu.Unlock()

	srv, err := c.startAPI(ctx, ModeConsume, mgr, snk)
	if err != nil {
		mgr.Close()
		return err
	}
	if srv != nil {
		snk.Observe(srv.Hub())
		cl.add("api server", srv.Close)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mgr.Run(gctx); err != nil {
			return fmt.Errorf("broker session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return disp.Run(gctx, mgr.Deliveries())
	})

	err = g.Wait()
	stats := disp.Stats()
	c.logger.Info("consumer stopped",
		"processed", stats.Processed,
		"handled", stats.Handled,
		"decode_errors", stats.DecodeErrors,
		"handler_errors", stats.HandlerErrors,
	)
	return err
}

// persist stores each routed message and, when prediction is enabled,
// appends a prediction for records carrying the model features.
func (c *Controller) persist(snk *sink.Sink) dispatch.HandlerFunc {
	var model predict.Model
	if c.cfg.Dispatcher.Predict {
		model = c.opts.Model
		if model == nil {
			model = predict.NewThresholdModel()
		}
	}

	return func(ctx context.Context, msg dispatch.Message) error {
		rec := msg.Record()
		res, err := snk.Store(ctx, &rec)
		if err != nil {
			return err
		}
		c.logger.Debug("record stored",
			"id", res.ID,
			"topic", rec.Topic,
			"status", res.Status,
			"attempts", res.Attempts,
		)

		if model == nil {
			return nil
		}
		p, ok := predict.Classify(model, rec, res.StoredAt)
		if !ok {
			return nil
		}
		if _, err := snk.StorePrediction(ctx, &p); err != nil {
			return fmt.Errorf("storing prediction: %w", err)
		}
		c.logger.Info("prediction stored", "status", p.Status, "soil_moisture", p.SoilMoisture)
		return nil
	}
}

// RunProducer publishes one generated event per interval until ctx is
// cancelled. In hub mode with iothub.commands set it also receives
// cloud-to-device messages and correlates them with earlier publishes.
func (c *Controller) RunProducer(ctx context.Context) error {
	c.logger.Info("starting producer", "mode", c.cfg.Mode, "version", c.opts.Version)

	qos, err := c.qos()
	if err != nil {
		return err
	}
	transport, err := c.transport()
	if err != nil {
		return err
	}
	mgr := session.NewManager(transport, c.sessionOptions())

	pubOpts := publisher.Options{
		AckTimeout:   c.cfg.GetAckTimeout(),
		DefaultTopic: c.cfg.MQTT.Topic,
		Logger:       c.logger.Component("publisher"),
		Metrics:      c.metrics,
	}
	topic := c.cfg.MQTT.Topic
	deviceID := ""
	var disp *dispatch.Dispatcher

	if c.cfg.Mode == config.ModeIoTHub {
		dev, err := DeviceFromConfig(c.cfg.IoTHub)
		if err != nil {
			return fmt.Errorf("iothub device: %w", err)
		}
		deviceID = dev.DeviceID
		pubOpts.DeviceID = deviceID
		topic = ""

		if c.cfg.IoTHub.Commands {
			disp = dispatch.New(dispatch.Options{Logger: c.logger.Component("dispatcher"), Metrics: c.metrics})
			if err := disp.Handle(iothub.DeviceBoundFilter(deviceID), c.logCommand()); err != nil {
				return err
			}
			if err := disp.Subscribe(ctx, mgr, broker.AtLeastOnce); err != nil {
				return fmt.Errorf("subscribing to commands: %w", err)
			}
		}
	}

	gen := c.opts.Generator
	if gen == nil {
		gen = telemetry.NewGenerator(c.cfg.Publisher.Generator, deviceID, uint64(time.Now().UnixNano()))
	}

	pub := publisher.New(mgr, pubOpts)
	loop := publisher.NewLoop(pub, gen, publisher.LoopOptions{
		Interval: c.cfg.GetPublishInterval(),
		Topic:    topic,
		QoS:      qos,
		Ready:    mgr.EnsureConnected,
		OnResult: func(res publisher.Result, err error) {
			if err == nil && disp != nil && res.CorrelationID != "" {
				disp.Correlator().Track(res.CorrelationID, time.Now())
			}
		},
		Logger: c.logger.Component("publisher"),
	})

	c.mu.Lock()
	c.dispatcher, c.loop, c.spool = disp, loop, nil
	c.mu.Unlock()

	srv, err := c.startAPI(ctx, ModeProduce, mgr, nil)
	if err != nil {
		mgr.Close()
		return err
	}
	if srv != nil {
		defer func() {
			if err := srv.Close(); err != nil {
				c.logger.Warn("closing api server failed", "error", err)
			}
		}()
	}

	// The session outlives ctx so the last publish can still be acknowledged.
	sessCtx, stopSession := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSession()
	go c.boundDrain(ctx, mgr, stopSession)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mgr.Run(sessCtx); err != nil {
			return fmt.Errorf("broker session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopSession()
		return loop.Run(gctx)
	})
	if disp != nil {
		g.Go(func() error {
			return disp.Run(gctx, mgr.Deliveries())
		})
	}

	err = g.Wait()
	ls := loop.Stats()
	c.logger.Info("producer stopped",
		"generated", ls.Generated,
		"delivered", ls.Delivered,
		"failed", ls.Failed,
		"timed_out", ls.TimedOut,
	)
	return err
}

// boundDrain closes the session once the shutdown budget has passed after
// ctx ends, even if a publish is still waiting for its acknowledgment.
func (c *Controller) boundDrain(ctx context.Context, mgr *session.Manager, stop context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-mgr.Done():
		return
	}

	budget := c.cfg.GetShutdownTimeout()
	if budget <= 0 {
		budget = publisher.DefaultAckTimeout
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.logger.Warn("shutdown budget exceeded, closing session with a publish in flight", "budget", budget)
		stop()
	case <-mgr.Done():
	}
}

// logCommand handles cloud-to-device messages received by a producer.
func (c *Controller) logCommand() dispatch.HandlerFunc {
	return func(_ context.Context, msg dispatch.Message) error {
		args := []any{
			"device_id", msg.DeviceID,
			"message_id", msg.MessageID,
			"fields", len(msg.Fields),
		}
		if msg.RoundTrip > 0 {
			args = append(args, "round_trip", msg.RoundTrip)
		}
		c.logger.Info("cloud-to-device message received", args...)
		return nil
	}
}

// Stats returns counters for the status endpoint.
func (c *Controller) Stats() map[string]any {
	c.mu.Lock()
	disp, loop, spool, influx := c.dispatcher, c.loop, c.spool, c.influx
	c.mu.Unlock()

	out := make(map[string]any)
	if disp != nil {
		out["dispatcher"] = disp.Stats()
		out["correlation_window"] = disp.Correlator().Len()
	}
	if loop != nil {
		out["publisher"] = loop.Stats()
	}
	if spool != nil {
		if n, err := spool.Pending(); err == nil {
			out["dead_letter_pending"] = n
		}
	}
	if influx != nil {
		out["influxdb"] = influx.Stats()
	}
	return out
}

func (c *Controller) startAPI(ctx context.Context, mode string, mgr *session.Manager, snk *sink.Sink) (*api.Server, error) {
	if !c.cfg.API.Enabled {
		return nil, nil
	}
	deps := api.Deps{
		Config:   c.cfg.API,
		WS:       c.cfg.WebSocket,
		Logger:   c.logger.Component("api"),
		Mode:     mode,
		Session:  mgr,
		Stats:    c.Stats,
		Gatherer: c.registry,
		Version:  c.opts.Version,
	}
	if snk != nil {
		deps.Records = snk
	}
	srv, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

func (c *Controller) transport() (broker.Transport, error) {
	if c.opts.Transport != nil {
		return c.opts.Transport, nil
	}
	return BuildTransport(c.cfg, c.logger)
}

func (c *Controller) connectStore(ctx context.Context) (store.Store, error) {
	return sink.Connect(ctx, c.opener(), sink.RetryOptions{
		Delay:       c.cfg.GetStoreRetryDelay(),
		MaxAttempts: c.cfg.Store.MaxAttempts,
		Logger:      c.logger.Component("store"),
	})
}

func (c *Controller) opener() sink.Opener {
	if c.opts.Opener != nil {
		return c.opts.Opener
	}
	return StoreOpener(c.cfg.Store)
}

func (c *Controller) sessionOptions() session.Options {
	return session.Options{
		ConnectTimeout: c.cfg.GetConnectTimeout(),
		Backoff: session.Backoff{
			Initial:    c.cfg.GetReconnectDelay(),
			Max:        c.cfg.GetMaxReconnectDelay(),
			Multiplier: c.cfg.MQTT.Reconnect.Multiplier,
		},
		MaxAttempts: c.cfg.MQTT.Reconnect.MaxAttempts,
		QueueSize:   c.cfg.Dispatcher.QueueSize,
		Logger:      c.logger.Component("session"),
		Metrics:     c.metrics,
	}
}

// inboundPattern is the filter the consumer persists: the application topic
// in broker mode, the device's cloud-to-device filter in hub mode.
func (c *Controller) inboundPattern() (string, error) {
	if c.cfg.Mode != config.ModeIoTHub {
		return c.cfg.MQTT.Topic, nil
	}
	dev, err := DeviceFromConfig(c.cfg.IoTHub)
	if err != nil {
		return "", fmt.Errorf("iothub device: %w", err)
	}
	return iothub.DeviceBoundFilter(dev.DeviceID), nil
}

func (c *Controller) qos() (broker.QoS, error) {
	q := broker.QoS(c.cfg.MQTT.QoS)
	if !q.Valid() {
		return 0, broker.ErrInvalidQoS
	}
	if c.cfg.Mode == config.ModeIoTHub && q == broker.ExactlyOnce {
		return 0, ErrUnsupportedQoS
	}
	return q, nil
}

type closer struct {
	name string
	fn   func() error
}

// closers releases resources in reverse order of acquisition.
type closers []closer

func (cl *closers) add(name string, fn func() error) {
	*cl = append(*cl, closer{name: name, fn: fn})
}

func (cl closers) release(logger *logging.Logger) {
	for i := len(cl) - 1; i >= 0; i-- {
		if err := cl[i].fn(); err != nil {
			logger.Warn("release failed", "resource", cl[i].name, "error", err)
		}
	}
}
