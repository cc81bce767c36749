package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Feed channels.
const (
	ChannelRecords     = "records"
	ChannelPredictions = "predictions"
)

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameAck         = "ack"
	FrameEvent       = "event"
	FrameError       = "error"
)

const (
	defaultWSPath       = "/ws"
	defaultMaxFrameSize = 8192
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second

	// clientQueueSize is how many frames a slow client may lag before
	// events for it are dropped.
	clientQueueSize = 256
)

var errUnknownChannel = errors.New("unknown channel")

// Frame is one JSON message on the live feed, in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Time    string          `json:"time,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Subscription is the data of subscribe and unsubscribe frames.
//
// Topics are MQTT topic filters applied to the records channel; an empty
// list passes every record.
type Subscription struct {
	Channels []string `json:"channels"`
	Topics   []string `json:"topics,omitempty"`
}

// HubStats reports live feed activity for the status document.
type HubStats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Hub fans stored records and predictions out to WebSocket clients. It is
// registered as a sink observer, so clients only ever see data that reached
// the store.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - RecordStored and PredictionStored never block; a client whose queue
//     is full misses the event.
type Hub struct {
	logger       *logging.Logger
	maxFrameSize int64
	pingInterval time.Duration
	pongTimeout  time.Duration

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	closed  bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub using the limits in cfg, with defaults for unset
// values.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Hub{
		logger:       logger,
		maxFrameSize: defaultMaxFrameSize,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		clients:      make(map[*feedClient]struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		h.maxFrameSize = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		h.pingInterval = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		h.pongTimeout = time.Duration(cfg.PongTimeout) * time.Second
	}
	return h
}

// Run blocks until ctx is cancelled, then disconnects every client. New
// clients are refused afterwards.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*feedClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// RecordStored pushes rec to clients subscribed to ChannelRecords whose
// topic filters match it.
func (h *Hub) RecordStored(rec telemetry.Record) {
	h.publish(ChannelRecords, rec.Topic, rec)
}

// PredictionStored pushes p to clients subscribed to ChannelPredictions.
func (h *Hub) PredictionStored(p telemetry.Prediction) {
	h.publish(ChannelPredictions, "", p)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns feed counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

func (h *Hub) publish(channel, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encoding feed event failed", "channel", channel, "error", err)
		return
	}
	frame, err := json.Marshal(Frame{
		Type:    FrameEvent,
		Channel: channel,
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Data:    data,
	})
	if err != nil {
		h.logger.Error("encoding feed frame failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*feedClient, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(channel, topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(frame) {
			h.sent.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
}

// attach registers c. It reports false once the hub has shut down.
func (h *Hub) attach(c *feedClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) detach(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// feedClient is one WebSocket connection. The read loop owns conn reads;
// the write loop owns conn writes and exits when out is closed.
type feedClient struct {
	conn *websocket.Conn
	out  chan []byte

	mu       sync.Mutex
	closed   bool
	channels map[string]struct{}
	topics   []string
}

func newFeedClient(conn *websocket.Conn) *feedClient {
	return &feedClient{
		conn:     conn,
		out:      make(chan []byte, clientQueueSize),
		channels: make(map[string]struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false when the
// client is closed or its queue is full.
func (c *feedClient) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *feedClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *feedClient) wants(channel, topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if topic == "" || len(c.topics) == 0 {
		return true
	}
	for _, f := range c.topics {
		if broker.Match(f, topic) {
			return true
		}
	}
	return false
}

func (c *feedClient) subscribe(sub Subscription) error {
	for _, ch := range sub.Channels {
		if ch != ChannelRecords && ch != ChannelPredictions {
			return fmt.Errorf("%w %q", errUnknownChannel, ch)
		}
	}
	for _, f := range sub.Topics {
		if err := broker.ValidateFilter(f); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	for _, f := range sub.Topics {
		if !slices.Contains(c.topics, f) {
			c.topics = append(c.topics, f)
		}
	}
	return nil
}

func (c *feedClient) unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	c.topics = slices.DeleteFunc(c.topics, func(f string) bool {
		return slices.Contains(sub.Topics, f)
	})
}

// upgrader accepts any origin: the feed is read-only and carries no
// credentials.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleFeed upgrades the request and serves the client until either side
// closes the connection or the hub shuts down.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("websocket upgrade rejected", "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}

	c := newFeedClient(conn)
	if !s.hub.attach(c) {
		//nolint:errcheck // best effort; the connection is dropped either way
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	s.logger.Debug("feed client connected", "remote", r.RemoteAddr, "clients", s.hub.ClientCount())

	go s.hub.writeLoop(c)
	go s.hub.readLoop(c)
}

func (h *Hub) readLoop(c *feedClient) {
	defer h.detach(c)

	deadline := h.pingInterval + h.pongTimeout
	c.conn.SetReadLimit(h.maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // a failed deadline surfaces on read
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("feed client read failed", "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; application frames
		// count as liveness too.
		c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // a failed deadline surfaces on read
		h.handleFrame(c, data)
	}
}

func (h *Hub) writeLoop(c *feedClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(h.pongTimeout)) //nolint:errcheck // a failed deadline surfaces on write
			if !ok {
				//nolint:errcheck // best effort close frame
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.pongTimeout)) //nolint:errcheck // a failed deadline surfaces on write
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleFrame(c *feedClient, data []byte) {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(c, "", FrameError, map[string]string{"message": "invalid JSON frame"})
		return
	}

	switch in.Type {
	case FramePing:
		h.reply(c, in.ID, FramePong, nil)
	case FrameSubscribe, FrameUnsubscribe:
		var sub Subscription
		if len(in.Data) == 0 || json.Unmarshal(in.Data, &sub) != nil {
			h.reply(c, in.ID, FrameError, map[string]string{"message": "invalid subscription"})
			return
		}
		if in.Type == FrameUnsubscribe {
			c.unsubscribe(sub)
			h.reply(c, in.ID, FrameAck, sub)
			return
		}
		if err := c.subscribe(sub); err != nil {
			h.reply(c, in.ID, FrameError, map[string]string{"message": err.Error()})
			return
		}
		h.logger.Debug("feed client subscribed", "channels", sub.Channels, "topics", sub.Topics)
		h.reply(c, in.ID, FrameAck, sub)
	default:
		h.reply(c, in.ID, FrameError, map[string]string{"message": "unknown frame type " + in.Type})
	}
}

func (h *Hub) reply(c *feedClient, id, typ string, v any) {
	out := Frame{Type: typ, ID: id, Time: time.Now().UTC().Format(time.RFC3339Nano)}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		out.Data = data
	}
	frame, err := json.Marshal(out)
	if err != nil {
		return
	}
	c.enqueue(frame)
}
