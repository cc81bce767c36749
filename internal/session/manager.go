package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// Defaults applied by NewManager.
const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultQueueSize      = 256
)

// ErrAlreadyRunning is returned when Run is called more than once.
var ErrAlreadyRunning = errors.New("session: already running")

// Logger is the logging interface used by the session.
// Compatible with logging.Logger and slog.Logger.
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

// Metrics receives session events. All methods must be safe for concurrent use.
type Metrics interface {
	SessionState(state string)
	ConnectAttempt(outcome string)
	Backpressure()
}

type noopMetrics struct{}

func (noopMetrics) SessionState(string)   {}
func (noopMetrics) ConnectAttempt(string) {}
func (noopMetrics) Backpressure()         {}

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds each handshake attempt. Default: 60s.
	ConnectTimeout time.Duration

	// Backoff spaces reconnect attempts. Default: constant 5s.
	Backoff Backoff

	// MaxAttempts stops retrying after this many consecutive failures.
	// Zero retries until the context is cancelled.
	MaxAttempts int

	// QueueSize is the capacity of the delivery inbox. Default: 256.
	QueueSize int

	Logger  Logger
	Metrics Metrics
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State          string    `json:"state"`
	Attempts       int       `json:"attempts"`
	Reconnects     int       `json:"reconnects"`
	LastError      string    `json:"last_error,omitempty"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	Subscriptions  []string  `json:"subscriptions"`
	QueueDepth     int       `json:"queue_depth"`
	QueueCapacity  int       `json:"queue_capacity"`
}

// Manager owns one broker connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Run must be called exactly once.
type Manager struct {
	transport broker.Transport
	opts      Options
	logger    Logger
	metrics   Metrics

	mu             sync.Mutex
	state          State
	started        bool
	cancel         context.CancelFunc
	attempts       int
	connects       int
	lastErr        error
	fatalErr       error
	connectedSince time.Time
	connectedCh    chan struct{}
	subs           map[string]broker.QoS
	onReconnect    []func()
	onDisconnect   []func(error)

	// lost carries at most one pending connection-loss report.
	lost chan error

	inbox    chan broker.Delivery
	pushMu   sync.RWMutex
	closing  chan struct{}
	finished chan struct{}
	once     sync.Once
}

// NewManager creates a Manager in the Idle state and binds it to transport.
func NewManager(transport broker.Transport, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	m := &Manager{
		transport:   transport,
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		state:       Idle,
		connectedCh: make(chan struct{}),
		subs:        make(map[string]broker.QoS),
		lost:        make(chan error, 1),
		inbox:       make(chan broker.Delivery, opts.QueueSize),
		closing:     make(chan struct{}),
		finished:    make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = noopLogger{}
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}

	transport.Bind(m.push, m.handleLost)
	return m
}

// Run connects and keeps the session connected until ctx is cancelled or a
// fatal error occurs.
//
// It returns nil after an orderly shutdown, an error matching
// broker.ErrFatalAuth when the credentials are rejected, or an error matching
// broker.ErrTransientConnect when MaxAttempts is exhausted. In every case the
// transport is disconnected, the state is Closed and the inbox is closed
// before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if m.state == Closed {
		m.mu.Unlock()
		return broker.ErrSessionClosed
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	defer m.shutdown()

	for {
		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err := m.awaitLoss(ctx)
		if err == nil {
			return nil
		}
		m.logger.Warn("broker connection lost", "error", err)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.transition(Disconnected, "error", err)
		m.notifyDisconnect(err)
	}
}

// awaitLoss blocks until the current connection is lost, returning the
// reported cause, or until ctx ends, returning nil.
func (m *Manager) awaitLoss(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-m.lost:
			if m.transport.IsConnected() {
				continue
			}
			return err
		}
	}
}

// connect runs handshake attempts until one succeeds, the context ends, the
// failure is fatal or the attempt budget is spent.
func (m *Manager) connect(ctx context.Context) error {
	for failures := 0; ; {
		// Reports from the previous connection are stale now.
		select {
		case <-m.lost:
		default:
		}

		m.transition(Connecting, "attempt", failures+1)

		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		var issued map[string]bool
		err := m.transport.Connect(attemptCtx)
		if err == nil {
			issued, err = m.resubscribe(attemptCtx, nil)
			if err != nil {
				m.transport.Disconnect()
				err = broker.Transient(err)
			}
		}
		cancel()

		if err == nil {
			m.metrics.ConnectAttempt("success")
			m.markConnected()
			// Filters registered while the handshake was in progress.
			if _, err := m.resubscribe(ctx, issued); err != nil {
				m.logger.Warn("late subscription failed", "error", err)
			}
			m.notifyReconnect()
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		m.mu.Lock()
		m.attempts = failures
		m.lastErr = err
		m.mu.Unlock()

		if broker.IsFatal(err) {
			m.metrics.ConnectAttempt("fatal")
			m.logger.Error("broker rejected credentials, not retrying", "error", err)
			m.mu.Lock()
			m.fatalErr = err
			m.mu.Unlock()
			return err
		}
		m.metrics.ConnectAttempt("failure")

		if m.opts.MaxAttempts > 0 && failures >= m.opts.MaxAttempts {
			m.logger.Error("giving up on broker connection", "attempts", failures, "error", err)
			giveUp := fmt.Errorf("%w: giving up after %d attempts: %w", broker.ErrTransientConnect, failures, err)
			m.mu.Lock()
			m.fatalErr = giveUp
			m.mu.Unlock()
			return giveUp
		}

		delay := m.opts.Backoff.Delay(failures)
		m.logger.Warn("broker connection attempt failed",
			"attempt", failures,
			"retry_in", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// resubscribe issues every registered filter not in done on the current
// connection, in sorted order so reconnects are deterministic. It returns
// the set of filters issued, including done.
func (m *Manager) resubscribe(ctx context.Context, done map[string]bool) (map[string]bool, error) {
	m.mu.Lock()
	subs := make(map[string]broker.QoS, len(m.subs))
	filters := make([]string, 0, len(m.subs))
	for f, q := range m.subs {
		if done[f] {
			continue
		}
		subs[f] = q
		filters = append(filters, f)
	}
	m.mu.Unlock()
	sort.Strings(filters)

	issued := make(map[string]bool, len(done)+len(filters))
	for f := range done {
		issued[f] = true
	}
	for _, f := range filters {
		if err := m.transport.Subscribe(ctx, f, subs[f]); err != nil {
			return issued, fmt.Errorf("resubscribing %q: %w", f, err)
		}
		issued[f] = true
		m.logger.Debug("subscription issued", "filter", f, "qos", int(subs[f]))
	}
	return issued, nil
}

func (m *Manager) markConnected() {
	m.mu.Lock()
	m.attempts = 0
	m.connects++
	m.connectedSince = time.Now()
	m.mu.Unlock()
	m.transition(Connected)
}

// transition moves the session to next and logs the change.
func (m *Manager) transition(next State, args ...any) {
	m.mu.Lock()
	prev := m.state
	if prev == next || prev == Closed {
		m.mu.Unlock()
		return
	}
	switch {
	case next == Connected:
		close(m.connectedCh)
	case prev == Connected:
		m.connectedCh = make(chan struct{})
		m.connectedSince = time.Time{}
	}
	m.state = next
	m.mu.Unlock()

	m.metrics.SessionState(next.String())
	m.logger.Info("session state changed", append([]any{"from", prev.String(), "to", next.String()}, args...)...)
}

// handleLost is the transport's connection-loss callback.
// Concurrent reports collapse into the single pending slot, and reports that
// arrive after the transport has already reconnected are ignored.
func (m *Manager) handleLost(err error) {
	if m.transport.IsConnected() {
		m.logger.Debug("ignoring stale connection-loss report", "error", err)
		return
	}
	if err == nil {
		err = broker.ErrNotConnected
	}
	select {
	case m.lost <- err:
	default:
	}
}

// push is the transport's delivery callback.
func (m *Manager) push(d broker.Delivery) {
	m.pushMu.RLock()
	defer m.pushMu.RUnlock()

	select {
	case <-m.closing:
		m.logger.Warn("delivery discarded, session closing", "topic", d.Topic)
		return
	default:
	}

	select {
	case m.inbox <- d:
		return
	default:
	}

	m.metrics.Backpressure()
	m.logger.Warn("delivery inbox full, applying backpressure",
		"topic", d.Topic,
		"capacity", cap(m.inbox),
	)

	select {
	case m.inbox <- d:
	case <-m.closing:
		m.logger.Warn("delivery discarded, session closing", "topic", d.Topic)
	}
}

func (m *Manager) notifyReconnect() {
	m.mu.Lock()
	listeners := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (m *Manager) notifyDisconnect(err error) {
	m.mu.Lock()
	listeners := append([]func(error){}, m.onDisconnect...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// shutdown disconnects the transport, moves to Closed and closes the inbox
// once no delivery callback is in flight.
func (m *Manager) shutdown() {
	m.once.Do(func() {
		m.transport.Disconnect()
		m.transition(Closed)

		close(m.closing)
		m.pushMu.Lock()
		close(m.inbox)
		m.pushMu.Unlock()

		close(m.finished)
	})
}

// Close stops the session. If Run is active it is cancelled and Close waits
// for it to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	started, cancel := m.started, m.cancel
	m.mu.Unlock()

	if started {
		cancel()
		<-m.finished
		return
	}
	m.shutdown()
}

// Done is closed once the session has reached Closed and released the transport.
func (m *Manager) Done() <-chan struct{} {
	return m.finished
}

// EnsureConnected blocks until the session is Connected.
//
// It returns the fatal error if the session closed because of one,
// broker.ErrSessionClosed if it closed otherwise, or ctx.Err().
func (m *Manager) EnsureConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, ch, fatal := m.state, m.connectedCh, m.fatalErr
		m.mu.Unlock()

		switch state {
		case Connected:
			return nil
		case Closed:
			if fatal != nil {
				return fatal
			}
			return broker.ErrSessionClosed
		}

		select {
		case <-ch:
		case <-m.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnReconnect registers fn to run after every successful connect,
// including the first.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// OnDisconnect registers fn to run once per lost connection.
func (m *Manager) OnDisconnect(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Subscribe registers filter for the lifetime of the session.
//
// The filter is issued immediately when connected and again after every
// reconnect. When not connected it is only recorded.
func (m *Manager) Subscribe(ctx context.Context, filter string, qos broker.QoS) error {
	if err := broker.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return broker.ErrInvalidQoS
	}

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return broker.ErrSessionClosed
	}
	m.subs[filter] = qos
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	if err := m.transport.Subscribe(ctx, filter, qos); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrSubscribeFailed, err)
	}
	m.logger.Debug("subscription issued", "filter", filter, "qos", int(qos))
	return nil
}

// Publish sends payload through the current connection.
// It fails fast with broker.ErrNotConnected instead of waiting for a reconnect.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos broker.QoS) (broker.Ack, error) {
	switch m.State() {
	case Connected:
	case Closed:
		return broker.Ack{}, broker.ErrSessionClosed
	default:
		return broker.Ack{}, broker.ErrNotConnected
	}
	return m.transport.Publish(ctx, topic, payload, qos)
}

// Deliveries returns the inbox. It is closed when the session shuts down.
func (m *Manager) Deliveries() <-chan broker.Delivery {
	return m.inbox
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for health endpoints.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make([]string, 0, len(m.subs))
	for f := range m.subs {
		subs = append(subs, f)
	}
	sort.Strings(subs)

	reconnects := m.connects - 1
	if reconnects < 0 {
		reconnects = 0
	}

	s := Status{
		State:          m.state.String(),
		Attempts:       m.attempts,
		Reconnects:     reconnects,
		ConnectedSince: m.connectedSince,
		Subscriptions:  subs,
		QueueDepth:     len(m.inbox),
		QueueCapacity:  cap(m.inbox),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
