package broker

import (
	"fmt"
	"strings"
)

const (
	levelSeparator = "/"
	singleLevel    = "+"
	multiLevel     = "#"
)

// Match reports whether topic is matched by filter.
//
// Semantics follow MQTT 3.1.1 section 4.7:
//   - "+" matches exactly one level (which may be empty)
//   - "#" must be last and matches the parent level and any number of children
//   - a filter starting with a wildcard never matches a topic starting with "$"
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, singleLevel) || strings.HasPrefix(filter, multiLevel)) {
		return false
	}

	fl := strings.Split(filter, levelSeparator)
	tl := strings.Split(topic, levelSeparator)

	for i, f := range fl {
		if f == multiLevel {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != singleLevel && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// ValidateTopic checks a topic name used for publishing.
// Topic names must be non-empty and contain no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, singleLevel+multiLevel) {
		return fmt.Errorf("%w: wildcards not allowed in topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: filter cannot be empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q must be the last level in %q", ErrInvalidTopic, multiLevel, filter)
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}
