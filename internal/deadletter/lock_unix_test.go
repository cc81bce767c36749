//go:build unix

package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/telemetry-bridge/internal/store/storetest"
)

func TestReplayRecoversCrashedWritersFile(t *testing.T) {
	dir := t.TempDir()
	crashed, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := crashed.WriteRecord(testRecord("sensor/data", 7), errors.New("down")); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}
	// The process dies: the descriptor and its lock go away, the file keeps
	// its open name.
	crashed.file.Close() //nolint:errcheck // Test simulates a crash

	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close() //nolint:errcheck // Test cleanup

	st := storetest.New()
	stats, err := s.Replay(context.Background(), st)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if stats.Files != 1 || stats.Records != 1 {
		t.Errorf("Replay() stats = %+v, want the orphaned file replayed", stats)
	}
	if got := len(st.Records()); got != 1 {
		t.Errorf("store has %d records, want 1", got)
	}
}
