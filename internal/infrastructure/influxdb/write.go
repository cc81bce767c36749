package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// predictionMeasurement holds the prediction log mirror.
const predictionMeasurement = "predictions"

// RecordStored mirrors a persisted record as one point.
//
// Numeric and boolean fields become point fields; string fields become tags.
// The point time is the production timestamp when the event carried one,
// otherwise the storage time. Records without any numeric field are skipped.
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) RecordStored(rec telemetry.Record) {
	if !c.IsConnected() {
		return
	}
	point, ok := RecordPoint(c.measurement, rec)
	if !ok {
		c.skipped.Add(1)
		return
	}
	c.writeAPI.WritePoint(point)
	c.queued.Add(1)
}

// PredictionStored mirrors a prediction log entry.
func (c *Client) PredictionStored(p telemetry.Prediction) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(PredictionPoint(p))
	c.queued.Add(1)
}

// RecordPoint converts a record into a point. It reports false when the
// record has no field that InfluxDB can store as a value.
func RecordPoint(measurement string, rec telemetry.Record) (*write.Point, bool) {
	tags := map[string]string{
		"topic":  rec.Topic,
		"class":  rec.Class,
		"status": rec.Status,
	}
	if rec.DeviceID != "" {
		tags["device_id"] = rec.DeviceID
	}

	fields := make(map[string]interface{}, len(rec.Fields))
	for name, v := range rec.Fields {
		if name == telemetry.TimestampField {
			continue
		}
		switch val := v.(type) {
		case float64, bool:
			fields[name] = val
		case string:
			tags[name] = val
		}
	}
	if len(fields) == 0 {
		return nil, false
	}

	ts := rec.StoredAt
	if rec.ProducedAt != nil {
		ts = *rec.ProducedAt
	}
	return write.NewPoint(measurement, tags, fields, ts), true
}

// PredictionPoint converts a prediction into a point.
func PredictionPoint(p telemetry.Prediction) *write.Point {
	return write.NewPoint(
		predictionMeasurement,
		map[string]string{
			"status": p.Status,
		},
		map[string]interface{}{
			"soil_moisture": p.SoilMoisture,
			"temperature":   p.Temperature,
			"nitrogen":      p.Nitrogen,
			"output":        p.Output,
		},
		p.StoredAt,
	)
}
