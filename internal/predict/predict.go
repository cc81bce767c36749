// Package predict classifies soil readings into an irrigation decision.
//
// The model is a threshold on soil moisture: readings below the threshold
// irrigate. Temperature and nitrogen are carried through to the prediction
// log as features but do not affect the decision.
package predict

import (
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// DefaultThreshold is the soil moisture percentage below which irrigation is
// recommended.
const DefaultThreshold = 40.0

// Prediction statuses.
const (
	StatusIrrigate      = "IRRIGATE"
	StatusDoNotIrrigate = "DO_NOT_IRRIGATE"
)

// Feature names and their accepted legacy aliases.
var featureAliases = map[string][]string{
	"soil_moisture": {"soil_moisture", "umidade_solo"},
	"temperature":   {"temperature", "temperatura"},
	"nitrogen":      {"nitrogen", "nutrientes_N"},
}

// Features is the model input.
type Features struct {
	SoilMoisture float64
	Temperature  float64
	Nitrogen     float64
}

// FeaturesFrom extracts model features from decoded fields. ok is false
// unless all three features are present as numbers.
func FeaturesFrom(fields telemetry.Fields) (Features, bool) {
	soil, ok := lookup(fields, "soil_moisture")
	if !ok {
		return Features{}, false
	}
	temp, ok := lookup(fields, "temperature")
	if !ok {
		return Features{}, false
	}
	nitrogen, ok := lookup(fields, "nitrogen")
	if !ok {
		return Features{}, false
	}
	return Features{SoilMoisture: soil, Temperature: temp, Nitrogen: nitrogen}, true
}

func lookup(fields telemetry.Fields, feature string) (float64, bool) {
	for _, name := range featureAliases[feature] {
		if v, ok := fields.Number(name); ok {
			return v, true
		}
	}
	return 0, false
}

// Model maps features to 1 (irrigate) or 0.
type Model interface {
	Predict(Features) int
}

// ThresholdModel irrigates when soil moisture is below Threshold.
type ThresholdModel struct {
	Threshold float64
}

// NewThresholdModel returns a model using DefaultThreshold.
func NewThresholdModel() ThresholdModel {
	return ThresholdModel{Threshold: DefaultThreshold}
}

// Predict implements Model.
func (m ThresholdModel) Predict(f Features) int {
	if f.SoilMoisture < m.Threshold {
		return 1
	}
	return 0
}

// Status returns the status string for a model output.
func Status(output int) string {
	if output == 1 {
		return StatusIrrigate
	}
	return StatusDoNotIrrigate
}

// Evaluate returns the fraction of labelled samples the model gets right.
// It returns 0 for an empty dataset.
func Evaluate(m Model, samples []telemetry.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	correct := 0
	for _, s := range samples {
		out := m.Predict(Features{SoilMoisture: s.SoilMoisture, Temperature: s.Temperature, Nitrogen: s.Nitrogen})
		if (out == 1) == s.Irrigate {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}

// Classify runs m over rec's fields and builds the prediction log entry.
// ok is false when the record does not carry the model features.
func Classify(m Model, rec telemetry.Record, now time.Time) (telemetry.Prediction, bool) {
	f, ok := FeaturesFrom(rec.Fields)
	if !ok {
		return telemetry.Prediction{}, false
	}
	out := m.Predict(f)
	return telemetry.Prediction{
		StoredAt:      now,
		SoilMoisture:  f.SoilMoisture,
		Temperature:   f.Temperature,
		Nitrogen:      f.Nitrogen,
		Output:        out,
		Status:        Status(out),
		SourceTopic:   rec.Topic,
		CorrelationID: rec.CorrelationID,
	}, true
}
