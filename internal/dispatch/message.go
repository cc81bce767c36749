package dispatch

import (
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
	"github.com/nerrad567/telemetry-bridge/internal/iothub"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Message is a decoded delivery.
type Message struct {
	Delivery broker.Delivery

	// Class is telemetry.ClassApplication, ClassDeviceToHub or ClassHubToDevice.
	Class      string
	DeviceID   string
	Properties map[string]string

	CorrelationID string
	MessageID     string

	Fields     telemetry.Fields
	ProducedAt *time.Time

	// RoundTrip is set on a cloud-to-device message whose correlation id
	// matches an earlier device-to-cloud message.
	RoundTrip time.Duration
}

// Topic returns the delivery topic.
func (m Message) Topic() string {
	return m.Delivery.Topic
}

// Record converts m into the record persisted by the sink.
func (m Message) Record() telemetry.Record {
	return telemetry.Record{
		Topic:         m.Delivery.Topic,
		Class:         m.Class,
		DeviceID:      m.DeviceID,
		CorrelationID: m.CorrelationID,
		MessageID:     m.MessageID,
		Fields:        m.Fields,
		ProducedAt:    m.ProducedAt,
		ReceivedAt:    m.Delivery.ReceivedAt,
		Duplicate:     m.Delivery.Duplicate,
	}
}

// classify fills the topic-derived fields of m.
func classify(m *Message) {
	info, ok := iothub.ParseTopic(m.Delivery.Topic)
	if !ok {
		m.Class = telemetry.ClassApplication
		return
	}
	m.DeviceID = info.DeviceID
	m.Properties = info.Properties
	m.CorrelationID = info.Properties[iothub.PropCorrelationID]
	m.MessageID = info.Properties[iothub.PropMessageID]

	switch info.Class {
	case iothub.ClassHubToDevice:
		m.Class = telemetry.ClassHubToDevice
	default:
		m.Class = telemetry.ClassDeviceToHub
	}
}
