package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileRecorder appends records to a file. It is safe for concurrent use.
type FileRecorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// Create opens path for appending, creating it and its directory if needed.
func Create(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &FileRecorder{file: f, encoder: newEncoder(f)}, nil
}

// Record appends r. Encoding errors are logged, never returned.
func (l *FileRecorder) Record(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err := l.encoder.Encode(r); err != nil {
		slog.Debug("[EVENTLOG] write failed", "error", err)
	}
}

// Close closes the file. Later records are dropped.
func (l *FileRecorder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

var _ Recorder = (*FileRecorder)(nil)

// Reader iterates over a record file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	kinds   map[Kind]bool
}

// Open opens a record file. When kinds is non-empty only those kinds are returned.
func Open(path string, kinds ...Kind) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	r := &Reader{file: f, decoder: newDecoder(f)}
	if len(kinds) > 0 {
		r.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			r.kinds[k] = true
		}
	}
	return r, nil
}

// Next returns the next matching record, or io.EOF.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("eventlog: decode: %w", err)
		}
		if r.kinds == nil || r.kinds[rec.Kind] {
			return rec, nil
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ParseKind maps a kind name (case-insensitive) back to its value.
func ParseKind(name string) (Kind, error) {
	for k := KindStart; k <= KindState; k++ {
		if strings.EqualFold(k.String(), name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("eventlog: unknown kind %q", name)
}
