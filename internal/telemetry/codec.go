package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrDecode is matched by every DecodeError.
var ErrDecode = errors.New("telemetry: malformed payload")

// ErrEncode is returned when an event's fields cannot be represented on the wire.
var ErrEncode = errors.New("telemetry: cannot encode event")

// DecodeError describes why an inbound payload was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrDecode, e.Reason)
}

// Unwrap exposes ErrDecode and the underlying parser error.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// Encode serialises fields as one canonical JSON object with sorted keys.
func Encode(fields Fields) ([]byte, error) {
	for name, v := range fields {
		if !isScalar(v) {
			return nil, fmt.Errorf("%w: field %q has non-scalar type %T", ErrEncode, name, v)
		}
	}
	if ts, ok := fields[TimestampField]; ok {
		if _, err := parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
	}
	data, err := json.Marshal(map[string]any(fields))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

// Decode parses an inbound payload.
//
// The payload must be a single JSON object whose values are strings,
// numbers, booleans or null. The production time is returned when the
// object carries a valid timestamp field.
func Decode(payload []byte) (Fields, *time.Time, error) {
	if len(payload) == 0 {
		return nil, nil, &DecodeError{Reason: "empty payload"}
	}
	if !json.Valid(payload) {
		return nil, nil, &DecodeError{Reason: "invalid JSON"}
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, &DecodeError{Reason: fmt.Sprintf("top-level value is %s, want object", jsonKind(raw))}
	}

	for name, v := range obj {
		if name == "" {
			return nil, nil, &DecodeError{Reason: "empty field name"}
		}
		if !isScalar(v) {
			return nil, nil, &DecodeError{Reason: fmt.Sprintf("field %q is %s, want scalar", name, jsonKind(v))}
		}
	}

	var producedAt *time.Time
	if ts, ok := obj[TimestampField]; ok && ts != nil {
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, nil, &DecodeError{Reason: "bad timestamp", Err: err}
		}
		producedAt = &t
	}

	return Fields(obj), producedAt, nil
}

// FormatTimestamp renders t the way generators emit production times:
// second precision with an explicit UTC offset.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05-07:00")
}

func parseTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp is %s, want ISO-8601 string", jsonKind(v))
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	}
	return false
}

func jsonKind(v any) string {
	switch v.(type) {
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case nil:
		return "null"
	default:
		return "a number"
	}
}
