package mqtt

import (
	"fmt"
	"time"
)

// StatusTopic returns the retained status topic for a client.
//
// Example: telemetry/status/telemetry-bridge-V1StGXR8_Z
func StatusTopic(prefix, clientID string) string {
	return fmt.Sprintf("%s/status/%s", prefix, clientID)
}

// buildLWTPayload creates the payload the broker publishes on unexpected disconnect.
func buildLWTPayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
