// Package mqtt provides the MQTT broker.Transport for telemetry-bridge,
// built on paho.mqtt.golang.
//
// This package manages:
//   - A single MQTT connection per Connect call, with TLS when configured
//   - Acknowledged publishing (waits for PUBACK/PUBCOMP up to the caller's context)
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) plus retained online/offline status
//   - Classification of CONNACK refusals into fatal and transient failures
//
// # Architecture
//
// Reconnection is NOT handled here. paho's auto-reconnect is disabled and
// connection loss is reported through the lost callback installed with Bind;
// the session package owns retry, backoff and re-subscription.
//
//	session.Manager → mqtt.Transport → paho → broker
//
// Deliveries are handed to the bound callback one at a time in arrival
// order (paho's ordered router). If the callback blocks, paho stops reading
// from the socket, which is how inbox backpressure reaches the broker.
//
// # Security Considerations
//
//   - TLS 1.2 is the minimum version when TLS is enabled
//   - Broker credentials are read per connect, so rotated tokens take effect
//     on the next reconnect
//   - Bad username/password, rejected client id and not-authorised refusals
//     are fatal; retrying the same credential cannot succeed
//
// # Usage
//
//	settings, err := mqtt.SettingsFromConfig(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	transport := mqtt.New(settings, logger)
//	manager := session.NewManager(transport, session.Options{})
package mqtt
