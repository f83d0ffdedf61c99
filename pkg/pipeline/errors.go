package pipeline

import (
	"errors"
	"fmt"
)

// ErrEndOfStream is returned by a frame source when no more frames exist
var ErrEndOfStream = errors.New("end of stream")

// DecodeError is fatal to a pipeline: no further frames can be obtained
type DecodeError struct {
	Seq uint64 // sequence index the source was about to produce
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at frame %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RunnerError is scoped to a single (frame, trigger) pair and is delivered as data
type RunnerError struct {
	TriggerID string
	Seq       uint64
	Err       error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("trigger %s frame %d: %v", e.TriggerID, e.Seq, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// ConfigError fails pipeline construction before any frame is processed
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid pipeline config: %v", e.Err)
	}
	return fmt.Sprintf("invalid pipeline config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf builds a ConfigError for field with a formatted cause
func ConfigErrorf(field string, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}
