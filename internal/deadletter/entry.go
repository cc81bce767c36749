package deadletter

import (
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Entry kinds.
const (
	KindRecord     = "record"
	KindPrediction = "prediction"
)

// Entry is one line of the spool.
type Entry struct {
	Kind       string                `json:"kind"`
	Record     *telemetry.Record     `json:"record,omitempty"`
	Prediction *telemetry.Prediction `json:"prediction,omitempty"`
	Error      string                `json:"error"`
	FailedAt   time.Time             `json:"failed_at"`
}
