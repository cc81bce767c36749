package telemetry

import (
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// TimestampField is the payload field carrying the production time.
const TimestampField = "timestamp"

// Fields holds the named scalar values of an event.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Number returns the field as a float64 when it holds a JSON number.
func (f Fields) Number(name string) (float64, bool) {
	switch v := f[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Event is an outbound message awaiting publication.
type Event struct {
	Topic  string
	Fields Fields
	QoS    broker.QoS
	// CorrelationID is optional; it is carried in the hub property bag and
	// recorded on the consumer side.
	CorrelationID string
	// MessageID is optional and only transmitted in cloud hub mode.
	MessageID string
	// Properties are custom application properties (cloud hub mode).
	Properties map[string]string
}

// Record statuses.
const (
	// StatusStored marks a record written on the first attempt.
	StatusStored = "stored"
	// StatusStoredAfterRetry marks a record written after one failed attempt.
	StatusStoredAfterRetry = "stored_after_retry"
	// StatusDeadLetter marks a record that could not be written to the store.
	StatusDeadLetter = "dead_letter"
	// StatusReplayed marks a record written later from the dead-letter spool.
	StatusReplayed = "replayed"
)

// Delivery classes.
const (
	ClassApplication = "application"
	ClassDeviceToHub = "d2c"
	ClassHubToDevice = "c2d"
)

// Record is the durable representation of one decoded delivery.
type Record struct {
	ID            int64      `json:"id,omitempty"`
	Topic         string     `json:"topic"`
	Class         string     `json:"class"`
	DeviceID      string     `json:"device_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	MessageID     string     `json:"message_id,omitempty"`
	Fields        Fields     `json:"fields"`
	ProducedAt    *time.Time `json:"produced_at,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	StoredAt      time.Time  `json:"stored_at"`
	Status        string     `json:"status"`
	Duplicate     bool       `json:"duplicate,omitempty"`
}

// Sample is one labelled row of the reference dataset.
type Sample struct {
	SoilMoisture float64 `json:"soil_moisture"`
	Temperature  float64 `json:"temperature"`
	Nitrogen     float64 `json:"nitrogen"`
	Irrigate     bool    `json:"irrigate"`
}

// Prediction is one entry of the append-only prediction log.
type Prediction struct {
	ID            int64     `json:"id,omitempty"`
	StoredAt      time.Time `json:"stored_at"`
	SoilMoisture  float64   `json:"soil_moisture"`
	Temperature   float64   `json:"temperature"`
	Nitrogen      float64   `json:"nitrogen"`
	Output        int       `json:"output"`
	Status        string    `json:"status"`
	SourceTopic   string    `json:"source_topic,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
