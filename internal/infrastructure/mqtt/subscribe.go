package mqtt

import (
	"context"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// Subscribe issues one SUBSCRIBE on the current connection and waits for
// SUBACK. Matching messages reach the callback installed with Bind.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "devices/+/messages/events/#"
//   - # (multi-level): "devices/esp32-01/messages/devicebound/#"
//
// Re-subscription after reconnect is the caller's job; paho's clean session
// forgets subscriptions when the connection drops.
func (t *Transport) Subscribe(ctx context.Context, filter string, qos broker.QoS) error {
	if err := broker.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return broker.ErrInvalidQoS
	}
	if !t.IsConnected() {
		return broker.ErrNotConnected
	}

	token := t.client.Subscribe(filter, byte(qos), t.handleMessage)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", broker.ErrSubscribeFailed, filter, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", broker.ErrSubscribeFailed, filter, err)
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code == subackFailure {
			return fmt.Errorf("%w: %s: refused by broker", broker.ErrSubscribeFailed, filter)
		}
	}
	return nil
}
