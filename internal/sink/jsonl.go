package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// JSONL writes one JSON record per line
type JSONL struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
	c   io.Closer
}

// NewJSONL writes to w. w is closed by Close when it is an io.Closer.
func NewJSONL(w io.Writer) *JSONL {
	bw := bufio.NewWriter(w)
	s := &JSONL{w: bw, enc: json.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// NewJSONLFile appends to path; "-" writes to stdout
func NewJSONLFile(path string) (*JSONL, error) {
	if path == "-" {
		return NewJSONL(struct{ io.Writer }{os.Stdout}), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jsonl sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open jsonl sink: %w", err)
	}
	return NewJSONL(f), nil
}

// Consume implements aggregator.Consumer
func (s *JSONL) Consume(_ context.Context, out pipeline.RunnerOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(NewRecord(out)); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying writer
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.w.Flush()
	if s.c != nil {
		if cerr := s.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
