// Package sink implements trigger consumers: where ordered outputs end up.
//
// Every sink receives a trigger's outputs one at a time, in frame order, from
// that trigger's delivery goroutine, so sinks need no internal ordering.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/aggregator"
	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Sink kinds
const (
	KindLog      = "log"
	KindJSONL    = "jsonl"
	KindMsgpack  = "msgpack"
	KindImages   = "images"
	KindContent  = "content"
	KindWebhook  = "webhook"
	KindPostgres = "postgres"
	KindDiscard  = "discard"
)

// Kinds lists the sink kinds Open accepts
func Kinds() []string {
	return []string{KindLog, KindJSONL, KindMsgpack, KindImages, KindContent, KindWebhook, KindPostgres, KindDiscard}
}

// Sink is a consumer that owns resources
type Sink interface {
	aggregator.Consumer
	io.Closer
}

// Options carries shared dependencies for Open
type Options struct {
	Logger zerolog.Logger

	// DB backs postgres sinks; nil makes them a config error
	DB *sql.DB

	// Derived opens derived content storage for content sinks; nil makes
	// them a config error
	Derived DerivedOpener
}

// DerivedOpener returns a writer storing objects as derived content of parentID
type DerivedOpener func(parentID, derivationType string) (storage.Writer, error)

// Open creates the sink described by cfg. field locates it in the config.
func Open(ctx context.Context, field string, cfg pipeline.SinkConfig, opts Options) (Sink, error) {
	switch cfg.Kind {
	case "", KindLog:
		return NewLog(opts.Logger), nil
	case KindDiscard:
		return Discard{}, nil
	case KindJSONL:
		if cfg.Path == "" {
			return nil, pipeline.ConfigErrorf(field+".path", "jsonl sink requires a path")
		}
		return NewJSONLFile(cfg.Path)
	case KindMsgpack:
		if cfg.Path == "" {
			return nil, pipeline.ConfigErrorf(field+".path", "msgpack sink requires a path")
		}
		return NewMsgpackFile(cfg.Path)
	case KindImages:
		if cfg.Dir == "" {
			return nil, pipeline.ConfigErrorf(field+".dir", "images sink requires a dir")
		}
		fs, err := storage.NewFilesystemStorage(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return NewImages(fs, opts.Logger), nil
	case KindContent:
		if opts.Derived == nil {
			return nil, pipeline.ConfigErrorf(field, "content sink requires a content store")
		}
		if cfg.ContentID == "" {
			return nil, pipeline.ConfigErrorf(field+".content_id", "content sink requires a content_id")
		}
		w, err := opts.Derived(cfg.ContentID, cfg.Derivation)
		if err != nil {
			return nil, pipeline.ConfigErrorf(field+".content_id", "%v", err)
		}
		return NewImages(w, opts.Logger), nil
	case KindWebhook:
		if cfg.URL == "" {
			return nil, pipeline.ConfigErrorf(field+".url", "webhook sink requires a url")
		}
		return NewWebhook(cfg.URL), nil
	case KindPostgres:
		if opts.DB == nil {
			return nil, pipeline.ConfigErrorf(field, "postgres sink requires RESULTS_DATABASE_URL")
		}
		return NewPostgres(ctx, opts.DB, cfg.Table)
	default:
		return nil, pipeline.ConfigErrorf(field+".kind", "unknown sink kind %q", cfg.Kind)
	}
}

// CloseAll closes every sink and reports all failures
func CloseAll(sinks map[string]Sink) error {
	var result *multierror.Error
	for id, s := range sinks {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to close sink of trigger '%s': %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Record is the serialized form of one runner output
type Record struct {
	RunID       string              `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	TriggerID   string              `json:"trigger_id" msgpack:"trigger_id"`
	Seq         uint64              `json:"frame_seq" msgpack:"frame_seq"`
	TimestampMS float64             `json:"timestamp_ms" msgpack:"timestamp_ms"`
	DurationMS  float64             `json:"duration_ms" msgpack:"duration_ms"`
	Kind        pipeline.RunnerKind `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Text        string              `json:"text,omitempty" msgpack:"text,omitempty"`
	Boxes       []pipeline.TextBox  `json:"boxes,omitempty" msgpack:"boxes,omitempty"`
	Label       string              `json:"label,omitempty" msgpack:"label,omitempty"`
	ClassID     *int                `json:"class_id,omitempty" msgpack:"class_id,omitempty"`
	Confidence  float64             `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
	Width       int                 `json:"width,omitempty" msgpack:"width,omitempty"`
	Height      int                 `json:"height,omitempty" msgpack:"height,omitempty"`
	Location    string              `json:"location,omitempty" msgpack:"location,omitempty"`
	Error       string              `json:"error,omitempty" msgpack:"error,omitempty"`
}

// NewRecord flattens an output
func NewRecord(out pipeline.RunnerOutput) Record {
	r := Record{
		RunID:       out.RunID,
		TriggerID:   out.TriggerID,
		Seq:         out.Seq,
		TimestampMS: float64(out.Timestamp) / float64(time.Millisecond),
		DurationMS:  float64(out.Duration) / float64(time.Millisecond),
	}
	if out.Err != nil {
		r.Error = out.Err.Error()
		return r
	}

	switch p := out.Payload.(type) {
	case pipeline.TextPayload:
		r.Kind = p.Kind()
		r.Text = p.Text
		r.Boxes = p.Boxes
	case pipeline.ClassificationPayload:
		r.Kind = p.Kind()
		r.Label = p.Label
		id := p.ClassID
		r.ClassID = &id
		r.Confidence = p.Confidence
	case pipeline.ImagePayload:
		r.Kind = p.Kind()
		if p.Image != nil {
			r.Width = p.Image.Bounds().Dx()
			r.Height = p.Image.Bounds().Dy()
		}
	case nil:
	default:
		r.Kind = p.Kind()
	}
	return r
}
