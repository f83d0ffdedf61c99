package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// maxFrameSize bounds a single msgpack record when reading
const maxFrameSize = 16 << 20

// Msgpack writes records as length-prefixed msgpack frames: a 4-byte
// big-endian length followed by the encoded Record
type Msgpack struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewMsgpack writes to w. w is closed by Close when it is an io.Closer.
func NewMsgpack(w io.Writer) *Msgpack {
	s := &Msgpack{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// NewMsgpackFile appends to path
func NewMsgpackFile(path string) (*Msgpack, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create msgpack sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open msgpack sink: %w", err)
	}
	return NewMsgpack(f), nil
}

// Consume implements aggregator.Consumer
func (s *Msgpack) Consume(_ context.Context, out pipeline.RunnerOutput) error {
	data, err := msgpack.Marshal(NewRecord(out))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := s.w.Write(size[:]); err != nil {
		return fmt.Errorf("failed to write frame size: %w", err)
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying writer
func (s *Msgpack) Close() error {
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

// ReadMsgpack decodes every record of a stream written by Msgpack
func ReadMsgpack(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var records []Record
	for {
		var size [4]byte
		if _, err := io.ReadFull(br, size[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("failed to read frame size: %w", err)
		}
		n := binary.BigEndian.Uint32(size[:])
		if n > maxFrameSize {
			return records, fmt.Errorf("frame of %d bytes exceeds limit", n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return records, fmt.Errorf("failed to read frame: %w", err)
		}
		var rec Record
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return records, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		records = append(records, rec)
	}
}
