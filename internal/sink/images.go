package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Images saves transformed frames as PNG files named <trigger>/<seq>.png.
// Outputs without an image are skipped.
type Images struct {
	store  storage.Writer
	logger zerolog.Logger
}

// NewImages creates an image sink on store
func NewImages(store storage.Writer, logger zerolog.Logger) *Images {
	return &Images{store: store, logger: logger}
}

// Key returns where the image of (trigger, seq) is stored
func Key(triggerID string, seq uint64) string {
	return fmt.Sprintf("%s/%08d.png", triggerID, seq)
}

// Consume implements aggregator.Consumer
func (s *Images) Consume(ctx context.Context, out pipeline.RunnerOutput) error {
	if out.Err != nil {
		return nil
	}
	p, ok := out.Payload.(pipeline.ImagePayload)
	if !ok || p.Image == nil {
		s.logger.Debug().Str("trigger", out.TriggerID).Uint64("seq", out.Seq).Msg("no image to save")
		return nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, p.Image, imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}

	location, err := s.store.Put(ctx, Key(out.TriggerID, out.Seq), &buf, map[string]string{
		"content_type": "image/png",
		"trigger":      out.TriggerID,
	})
	if err != nil {
		return fmt.Errorf("failed to store image: %w", err)
	}

	s.logger.Debug().
		Str("trigger", out.TriggerID).
		Uint64("seq", out.Seq).
		Str("location", location).
		Msg("image saved")
	return nil
}

// Close implements io.Closer
func (s *Images) Close() error { return nil }
