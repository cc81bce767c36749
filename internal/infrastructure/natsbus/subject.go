package natsbus

import (
	"fmt"
	"strings"

	"github.com/nerrad567/telemetry-bridge/internal/broker"
)

// Subject converts an MQTT topic or filter to a NATS subject.
func Subject(topic string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: topic cannot be empty", broker.ErrInvalidTopic)
	}
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		if level == "" {
			return "", fmt.Errorf("%w: empty level in %q cannot map to a subject", broker.ErrInvalidTopic, topic)
		}
		if strings.ContainsAny(level, ". \t\r\n") {
			return "", fmt.Errorf("%w: level %q contains a subject separator", broker.ErrInvalidTopic, level)
		}
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, "."), nil
}

// Topic converts a NATS subject back to an MQTT-style topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
