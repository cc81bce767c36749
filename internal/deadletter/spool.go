package deadletter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

const (
	// filePrefix and fileSuffix frame sealed spool file names:
	// deadletter-{unix nanos}-{sequence}.jsonl.zst
	filePrefix = "deadletter-"
	fileSuffix = ".jsonl.zst"

	// openSuffix marks the file a Spool is still appending to. It is
	// renamed to the sealed name on seal, so other processes sharing the
	// directory never replay or remove a live file.
	openSuffix = ".open"

	// DefaultMaxFileBytes is the rotation size when none is configured.
	DefaultMaxFileBytes = 8 << 20

	dirPermissions  = 0o750
	filePermissions = 0o600
)

// Logger interface for optional logging support.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Spool.
type Options struct {
	// MaxFileBytes rotates the current file once it reaches this size.
	MaxFileBytes int64

	// Uploader, when set, receives a copy of every sealed file.
	Uploader Uploader

	Logger Logger
}

// Spool is an append-only dead-letter store on local disk.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Spool struct {
	dir      string
	maxBytes int64
	uploader Uploader
	logger   Logger

	mu      sync.Mutex
	encoder *zstd.Encoder
	file    *os.File
	path    string
	size    int64
	entries int
	seq     int
	closed  bool

	// counted caches entry counts of sealed files, which never change.
	counted map[string]int

	// uploads tracks background archive uploads so Close can wait for them.
	uploads sync.WaitGroup

	// now is replaced in tests.
	now func() time.Time
}

// Open creates dir if needed and returns a spool writing into it.
func Open(dir string, opts Options) (*Spool, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating dead-letter directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	return &Spool{
		dir:      dir,
		maxBytes: maxBytes,
		uploader: opts.Uploader,
		logger:   opts.Logger,
		encoder:  enc,
		counted:  make(map[string]int),
		now:      time.Now,
	}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// WriteRecord spools a record that failed to persist with cause.
func (s *Spool) WriteRecord(rec telemetry.Record, cause error) error {
	return s.Append(Entry{Kind: KindRecord, Record: &rec, Error: errString(cause)})
}

// WritePrediction spools a prediction that failed to persist with cause.
func (s *Spool) WritePrediction(p telemetry.Prediction, cause error) error {
	return s.Append(Entry{Kind: KindPrediction, Prediction: &p, Error: errString(cause)})
}

// Append writes e as one compressed frame and fsyncs the file.
func (s *Spool) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = s.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding dead-letter entry: %w", err)
	}
	line = append(line, '\n')

	if s.file == nil {
		if err := s.openFileLocked(); err != nil {
			return err
		}
	}

	frame := s.encoder.EncodeAll(line, nil)
	if _, err := s.file.Write(frame); err != nil {
		return fmt.Errorf("writing dead-letter entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing dead-letter file: %w", err)
	}
	s.size += int64(len(frame))
	s.entries++

	if s.size >= s.maxBytes {
		return s.sealLocked()
	}
	return nil
}

// Seal closes the current file so the next Append starts a new one.
// Sealed files are handed to the uploader.
func (s *Spool) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked()
}

// Files returns sealed spool files oldest first. Files still being written,
// by this Spool or another process, are not listed. An open file whose
// writer is gone (a crashed process) is sealed and listed.
func (s *Spool) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing dead-letter directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		full := filepath.Join(s.dir, name)
		switch {
		case strings.HasSuffix(name, fileSuffix):
			files = append(files, full)
		case strings.HasSuffix(name, fileSuffix+openSuffix):
			if sealed, ok := s.sealOrphan(full); ok {
				files = append(files, sealed)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Pending returns the number of entries not yet replayed: those in sealed
// files plus those in the file being written. Unreadable frames are not
// counted.
func (s *Spool) Pending() (int, error) {
	files, err := s.Files()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.entries
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f] = struct{}{}
		n, ok := s.counted[f]
		if !ok {
			entries, err := ReadFile(f)
			if err != nil && !errors.Is(err, ErrCorruptEntry) {
				// Removed by a concurrent Replay.
				continue
			}
			n = len(entries)
			s.counted[f] = n
		}
		total += n
	}
	for f := range s.counted {
		if _, ok := seen[f]; !ok {
			delete(s.counted, f)
		}
	}
	return total, nil
}

// Close seals the current file, waits for uploads and releases the encoder.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.sealLocked()
	s.closed = true
	s.mu.Unlock()

	s.uploads.Wait()
	s.encoder.Close() //nolint:errcheck // EncodeAll-only encoder has nothing to flush
	return err
}

// sealOrphan renames an open file nobody holds a lock on.
func (s *Spool) sealOrphan(path string) (string, bool) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return "", false
	}
	defer f.Close()
	if !tryLockOrphan(f) {
		return "", false
	}
	sealed := strings.TrimSuffix(path, openSuffix)
	if err := os.Rename(path, sealed); err != nil {
		return "", false
	}
	s.warn("sealed dead-letter file left open by a previous process", "file", filepath.Base(sealed))
	return sealed, true
}

func (s *Spool) openFileLocked() error {
	s.seq++
	name := fmt.Sprintf("%s%020d-%06d%s%s", filePrefix, s.now().UnixNano(), s.seq, fileSuffix, openSuffix)
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermissions)
	if err != nil {
		return fmt.Errorf("creating dead-letter file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("locking dead-letter file: %w", err)
	}
	s.file = f
	s.path = path
	s.size = 0
	s.entries = 0
	return nil
}

func (s *Spool) sealLocked() error {
	if s.file == nil {
		return nil
	}
	open := s.path
	err := s.file.Close()
	s.file = nil
	s.path = ""
	s.size = 0
	s.entries = 0
	if err != nil {
		return fmt.Errorf("closing dead-letter file: %w", err)
	}

	// Once the lock is released another process may seal the file first.
	path := strings.TrimSuffix(open, openSuffix)
	if err := os.Rename(open, path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sealing dead-letter file: %w", err)
	}

	if s.uploader != nil {
		// Read now: a Replay may remove the file before the upload runs.
		body, err := os.ReadFile(path)
		if err != nil {
			s.warn("dead-letter archive read failed", "file", path, "error", err)
			return nil
		}
		s.uploads.Add(1)
		go func() {
			defer s.uploads.Done()
			s.archive(path, body)
		}()
	}
	return nil
}

func (s *Spool) archive(path string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	if err := uploadWithRetry(ctx, s.uploader, filepath.Base(path), body); err != nil {
		s.warn("dead-letter archive upload failed", "file", path, "error", err)
		return
	}
	if s.logger != nil {
		s.logger.Info("dead-letter file archived", "file", filepath.Base(path), "bytes", len(body))
	}
}

func (s *Spool) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// ReadFile decodes every entry of a spool file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter file: %w", err)
	}
	defer f.Close()
	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var entries []Entry
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("%w: line %d: %v", ErrCorruptEntry, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return entries, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
