package sink

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Log writes one structured log line per output
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log sink
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

// Consume implements aggregator.Consumer
func (l *Log) Consume(_ context.Context, out pipeline.RunnerOutput) error {
	rec := NewRecord(out)
	ev := l.logger.Info()
	if out.Err != nil {
		ev = l.logger.Warn().Str("error", rec.Error)
	}
	ev = ev.Str("trigger", rec.TriggerID).
		Uint64("seq", rec.Seq).
		Dur("ts", out.Timestamp).
		Dur("duration", out.Duration)

	switch rec.Kind {
	case pipeline.RunnerOCR:
		ev = ev.Str("text", rec.Text).Int("words", len(rec.Boxes))
	case pipeline.RunnerInference:
		ev = ev.Str("label", rec.Label).Float64("confidence", rec.Confidence)
	case pipeline.RunnerPixelTransform:
		ev = ev.Int("width", rec.Width).Int("height", rec.Height)
	}
	ev.Msg("result")
	return nil
}

// Close implements io.Closer
func (l *Log) Close() error { return nil }

// Discard drops every output
type Discard struct{}

// Consume implements aggregator.Consumer
func (Discard) Consume(context.Context, pipeline.RunnerOutput) error { return nil }

// Close implements io.Closer
func (Discard) Close() error { return nil }

// Memory keeps outputs in memory, for embedding and tests
type Memory struct {
	mu      sync.Mutex
	outputs []pipeline.RunnerOutput
}

// Consume implements aggregator.Consumer
func (m *Memory) Consume(_ context.Context, out pipeline.RunnerOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, out)
	return nil
}

// Outputs returns a copy of everything consumed so far
func (m *Memory) Outputs() []pipeline.RunnerOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.RunnerOutput(nil), m.outputs...)
}

// Close implements io.Closer
func (m *Memory) Close() error { return nil }

// Func adapts a callback to Sink
type Func func(ctx context.Context, out pipeline.RunnerOutput) error

// Consume implements aggregator.Consumer
func (f Func) Consume(ctx context.Context, out pipeline.RunnerOutput) error { return f(ctx, out) }

// Close implements io.Closer
func (Func) Close() error { return nil }
