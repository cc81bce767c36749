// Package telemetry defines the domain records that flow through the bridge
// and their wire encoding.
//
// Outbound events are encoded as one flat JSON object per message. A
// top-level "timestamp" field, when present, must be an ISO-8601 string with
// an explicit UTC offset; it is preserved as the record's production time.
//
//	{"timestamp":"2024-05-01T12:00:00+00:00","temperature":28.1,"humidity":55}
//
// The package also provides the synthetic generators used by the producer:
// weather observations, simulated device telemetry and soil readings for the
// irrigation model.
package telemetry
