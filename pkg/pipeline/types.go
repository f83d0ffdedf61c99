package pipeline

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// PixelFormat describes the interleaved layout of Frame.Pixels
type PixelFormat string

// PixelFormat constants agreed with frame sources
const (
	PixelFormatRGB24 PixelFormat = "rgb24"
	PixelFormatRGBA  PixelFormat = "rgba"
)

// BytesPerPixel returns the number of bytes one pixel occupies, or 0 for unknown formats
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA:
		return 4
	default:
		return 0
	}
}

// Frame is one decoded image plus its position in the stream.
//
// A Frame is immutable once a source returns it. The same Frame is shared
// read-only by every runner dispatched for it; a runner that needs to change
// pixels works on CloneImage.
type Frame struct {
	// Seq is zero-based and contiguous from the source's perspective
	Seq uint64

	// Timestamp is the presentation time relative to stream start
	Timestamp time.Duration

	Width  int
	Height int
	Format PixelFormat

	// Pixels holds Height rows of Width*Format.BytesPerPixel() bytes
	Pixels []byte

	releaseOnce sync.Once
	release     func()
	released    atomic.Bool
}

// NewFrame creates a frame. release, if non-nil, is called exactly once when
// the pipeline no longer needs the pixel buffer.
func NewFrame(seq uint64, ts time.Duration, width, height int, format PixelFormat, pixels []byte, release func()) *Frame {
	return &Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     width,
		Height:    height,
		Format:    format,
		Pixels:    pixels,
		release:   release,
	}
}

// Stride returns the number of bytes per row
func (f *Frame) Stride() int {
	return f.Width * f.Format.BytesPerPixel()
}

// Release hands the pixel buffer back to its owner. Safe to call more than once.
func (f *Frame) Release() {
	f.releaseOnce.Do(func() {
		f.released.Store(true)
		if f.release != nil {
			f.release()
		}
	})
}

// Released reports whether Release has been called
func (f *Frame) Released() bool {
	return f.released.Load()
}

// Image returns a read-only image view of the frame.
// RGBA frames are wrapped without copying; RGB24 frames are expanded to RGBA.
func (f *Frame) Image() image.Image {
	if f.Format == PixelFormatRGBA {
		return &image.RGBA{
			Pix:    f.Pixels,
			Stride: f.Stride(),
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}
	}
	return f.CloneImage()
}

// CloneImage returns a private RGBA copy of the frame that the caller may mutate
func (f *Frame) CloneImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	switch f.Format {
	case PixelFormatRGBA:
		copy(img.Pix, f.Pixels)
	case PixelFormatRGB24:
		src := f.Pixels
		dst := img.Pix
		for i, j := 0, 0; i+2 < len(src) && j+3 < len(dst); i, j = i+3, j+4 {
			dst[j] = src[i]
			dst[j+1] = src[i+1]
			dst[j+2] = src[i+2]
			dst[j+3] = 0xff
		}
	}
	return img
}

// RunnerKind names a family of analysis backends
type RunnerKind string

// RunnerKind constants
const (
	RunnerOCR            RunnerKind = "ocr"
	RunnerInference      RunnerKind = "inference"
	RunnerPixelTransform RunnerKind = "pixel_transform"
)

// PolicyKind names a trigger selection policy
type PolicyKind string

// PolicyKind constants
const (
	PolicyEveryFrame    PolicyKind = "every_frame"
	PolicyEveryNthFrame PolicyKind = "every_nth_frame"
	PolicyMinInterval   PolicyKind = "min_interval"
	PolicyAllOf         PolicyKind = "all_of"
	PolicyAnyOf         PolicyKind = "any_of"
)

// SourceKind names a frame source implementation
type SourceKind string

// SourceKind constants
const (
	SourceFFmpeg SourceKind = "ffmpeg"
	SourceGoCV   SourceKind = "gocv"
	SourceImages SourceKind = "images"
	SourceMemory SourceKind = "memory"
)

// Payload is the backend-specific result of one runner invocation.
// Implementations: TextPayload, ClassificationPayload, ImagePayload.
type Payload interface {
	Kind() RunnerKind
}

// TextBox is one recognized word and where it was found
type TextBox struct {
	Word       string          `json:"word" msgpack:"word"`
	Confidence float64         `json:"confidence" msgpack:"confidence"`
	Box        image.Rectangle `json:"box" msgpack:"box"`
}

// TextPayload is produced by OCR runners
type TextPayload struct {
	Text  string    `json:"text" msgpack:"text"`
	Boxes []TextBox `json:"boxes,omitempty" msgpack:"boxes,omitempty"`
}

// Kind implements Payload
func (TextPayload) Kind() RunnerKind { return RunnerOCR }

// ClassificationPayload is produced by inference runners
type ClassificationPayload struct {
	Label      string  `json:"label" msgpack:"label"`
	ClassID    int     `json:"class_id" msgpack:"class_id"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// Kind implements Payload
func (ClassificationPayload) Kind() RunnerKind { return RunnerInference }

// ImagePayload is produced by pixel-transform runners. The image is owned by the payload.
type ImagePayload struct {
	Image *image.NRGBA `json:"-" msgpack:"-"`
}

// Kind implements Payload
func (ImagePayload) Kind() RunnerKind { return RunnerPixelTransform }

// RunnerOutput is produced once per (frame, trigger) match and consumed exactly once
type RunnerOutput struct {
	RunID     string        `json:"run_id,omitempty"`
	TriggerID string        `json:"trigger_id"`
	Seq       uint64        `json:"frame_seq"`
	Timestamp time.Duration `json:"timestamp"`
	Payload   Payload       `json:"payload,omitempty"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// Failed reports whether the output carries an error payload
func (o RunnerOutput) Failed() bool {
	return o.Err != nil
}

// JobAnalyze is the job name of a pipeline run over one input
const JobAnalyze = "analyze"

// AnalyzeRequest asks a worker to run a pipeline over one input
type AnalyzeRequest struct {
	Job         string            `json:"job,omitempty"` // defaults to JobAnalyze
	Input       string            `json:"input"`
	ConfigPath  string            `json:"config_path,omitempty"`
	Config      string            `json:"config,omitempty"` // inline YAML, wins over ConfigPath
	MaxInFlight int               `json:"max_in_flight,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AnalyzeResponse represents the response from enqueueing an analysis
type AnalyzeResponse struct {
	RunID           string `json:"run_id"`
	DedupeSeenCount int    `json:"dedupe_seen_count"`
}

// AnalyzeSummary is the durable result of an analysis job
type AnalyzeSummary struct {
	RunID     string                    `json:"run_id"`
	Input     string                    `json:"input"`
	Frames    uint64                    `json:"frames"`
	Triggers  map[string]TriggerSummary `json:"triggers"`
	Error     string                    `json:"error,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
}

// Run states reported by RunStatus
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// RunStatus describes an enqueued analysis
type RunStatus struct {
	RunID     string          `json:"run_id"`
	State     string          `json:"state"`
	Workflow  string          `json:"workflow,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Summary   *AnalyzeSummary `json:"summary,omitempty"`
}

// TriggerSummary counts what one trigger delivered
type TriggerSummary struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}
