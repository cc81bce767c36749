package mqtt

import (
	"context"
	"fmt"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message and, for QoS 1 and 2, waits for the broker's
// acknowledgment until ctx expires.
//
// QoS Levels:
//   - 0: returns once the packet is handed to the network; Ack.Delivered is false
//   - 1: returns after PUBACK
//   - 2: returns after PUBCOMP
//
// Returns:
//   - broker.Ack: Delivered is true only when an acknowledgment arrived
//   - error: broker.ErrPublishTimeout when ctx expires first, broker.ErrNotConnected,
//     broker.ErrPublishFailed for anything the client reports
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos broker.QoS) (broker.Ack, error) {
	if !qos.Valid() {
		return broker.Ack{}, broker.ErrInvalidQoS
	}
	if err := broker.ValidateTopic(topic); err != nil {
		return broker.Ack{}, err
	}
	if len(payload) > maxPayloadSize {
		return broker.Ack{}, fmt.Errorf("%w: %w: payload size %d exceeds maximum %d bytes",
			broker.ErrPublishFailed, ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !t.IsConnected() {
		return broker.Ack{}, broker.ErrNotConnected
	}

	token := t.client.Publish(topic, byte(qos), false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return broker.Ack{}, fmt.Errorf("%w: %w", broker.ErrPublishTimeout, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return broker.Ack{}, fmt.Errorf("%w: %w", broker.ErrPublishFailed, err)
	}

	return broker.Ack{Delivered: qos > broker.AtMostOnce}, nil
}
