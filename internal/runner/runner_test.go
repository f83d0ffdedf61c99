package runner

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

type echoPayload struct{ w, h int }

func (echoPayload) Kind() pipeline.RunnerKind { return pipeline.RunnerPixelTransform }

func sizeRunner() Runner {
	return Func(func(_ context.Context, f *pipeline.Frame) (pipeline.Payload, error) {
		return echoPayload{f.Width, f.Height}, nil
	})
}

func frame(w, h int) *pipeline.Frame {
	return pipeline.NewFrame(7, time.Second, w, h, pipeline.PixelFormatRGB24, make([]byte, w*h*3), nil)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry("native")
	reg.Register(pipeline.RunnerPixelTransform, func(*yaml.Node) (Runner, error) { return sizeRunner(), nil })

	h, err := reg.Build("runners.r", "r", pipeline.RunnerPixelTransform, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "r", h.Name)
	assert.Equal(t, 0, h.Concurrency)
	assert.NoError(t, h.Close())

	three := 3
	h, err = reg.Build("runners.r", "r", pipeline.RunnerPixelTransform, nil, &three)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Concurrency)

	assert.Equal(t, []pipeline.RunnerKind{pipeline.RunnerPixelTransform}, reg.Kinds())
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry("browser")
	reg.Register(pipeline.RunnerPixelTransform, func(*yaml.Node) (Runner, error) { return nil, errors.New("bad ops") })

	_, err := reg.Build("runners.ocr", "ocr", pipeline.RunnerOCR, nil, nil)
	var cerr *pipeline.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "runners.ocr.kind", cerr.Field)
	assert.Contains(t, err.Error(), "browser")

	_, err = reg.Build("runners.x", "x", "telepathy", nil, nil)
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "unknown runner kind")

	_, err = reg.Build("runners.t", "t", pipeline.RunnerPixelTransform, nil, nil)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "runners.t.config", cerr.Field)
}

func TestDefaultConcurrency(t *testing.T) {
	assert.Equal(t, 1, DefaultConcurrency(pipeline.RunnerOCR))
	assert.Equal(t, 2, DefaultConcurrency(pipeline.RunnerInference))
	assert.Equal(t, 0, DefaultConcurrency(pipeline.RunnerPixelTransform))
}

func TestInvokeCrops(t *testing.T) {
	crop := &pipeline.CropConfig{XPercent: 50, YPercent: 0, WidthPercent: 50, HeightPercent: 25}
	p, err := Invoke(context.Background(), sizeRunner(), frame(200, 100), crop)
	require.NoError(t, err)
	assert.Equal(t, echoPayload{100, 25}, p)
}

func TestInvokeRecoversPanic(t *testing.T) {
	r := Func(func(context.Context, *pipeline.Frame) (pipeline.Payload, error) {
		panic("backend exploded")
	})
	_, err := Invoke(context.Background(), r, frame(1, 1), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestValidateCrop(t *testing.T) {
	assert.NoError(t, ValidateCrop("c", pipeline.CropConfig{WidthPercent: 100, HeightPercent: 100}))
	assert.Error(t, ValidateCrop("c", pipeline.CropConfig{XPercent: -1, WidthPercent: 10, HeightPercent: 10}))
	assert.Error(t, ValidateCrop("c", pipeline.CropConfig{WidthPercent: 0, HeightPercent: 10}))
	assert.Error(t, ValidateCrop("c", pipeline.CropConfig{XPercent: 60, WidthPercent: 50, HeightPercent: 10}))
}

func TestCropRect(t *testing.T) {
	r := CropRect(pipeline.CropConfig{XPercent: 10, YPercent: 20, WidthPercent: 30, HeightPercent: 40}, 1000, 500)
	assert.Equal(t, image.Rect(100, 100, 400, 300), r)
}

func TestCropRectRoundsSizeIndependently(t *testing.T) {
	// 15% of 10 rounds to 2 and 25% rounds to 3, so the region spans 2..5
	// rather than round(1.5)..round(4.0).
	r := CropRect(pipeline.CropConfig{XPercent: 15, YPercent: 15, WidthPercent: 25, HeightPercent: 25}, 10, 10)
	assert.Equal(t, image.Rect(2, 2, 5, 5), r)
	assert.Equal(t, 3, r.Dx())

	f, err := CropFrame(frame(10, 10), pipeline.CropConfig{XPercent: 15, YPercent: 15, WidthPercent: 25, HeightPercent: 25})
	require.NoError(t, err)
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 3, f.Height)
}

func TestCropRectClipsToFrame(t *testing.T) {
	// 50% of 3 rounds to 2 for both offset and size, the overflow is clipped.
	r := CropRect(pipeline.CropConfig{XPercent: 50, YPercent: 0, WidthPercent: 50, HeightPercent: 100}, 3, 3)
	assert.Equal(t, image.Rect(2, 0, 3, 3), r)
}

func TestCropFrameKeepsPosition(t *testing.T) {
	f, err := CropFrame(frame(10, 10), pipeline.CropConfig{WidthPercent: 50, HeightPercent: 50})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Seq)
	assert.Equal(t, time.Second, f.Timestamp)
	assert.Equal(t, 5, f.Width)
	assert.Len(t, f.Pixels, 5*5*4)
}
