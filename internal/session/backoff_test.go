package session

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		name     string
		backoff  Backoff
		failures int
		want     time.Duration
	}{
		{"zero value uses default", Backoff{}, 1, DefaultDelay},
		{"constant", Backoff{Initial: 5 * time.Second, Multiplier: 1}, 7, 5 * time.Second},
		{"no multiplier is constant", Backoff{Initial: time.Second}, 3, time.Second},
		{"first failure", Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}, 1, time.Second},
		{"third failure", Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}, 3, 4 * time.Second},
		{"capped", Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}, 10, 10 * time.Second},
		{"max below initial", Backoff{Initial: 5 * time.Second, Max: time.Second, Multiplier: 2}, 4, 5 * time.Second},
		{"no max below default cap", Backoff{Initial: time.Millisecond, Multiplier: 10}, 4, time.Second},
		{"no max uses default cap", Backoff{Initial: 5 * time.Second, Multiplier: 2}, 20, DefaultMaxDelay},
		{"no max huge failure count", Backoff{Initial: 5 * time.Second, Multiplier: 2}, 40, DefaultMaxDelay},
		{"initial above default cap", Backoff{Initial: 10 * time.Minute, Multiplier: 2}, 5, 10 * time.Minute},
		{"huge failure count stays bounded", Backoff{Initial: time.Second, Max: time.Hour, Multiplier: 3}, 10000, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Delay(tt.failures); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
			}
		})
	}
}
