package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

func redFrame(w, h int) *pipeline.Frame {
	pix := make([]byte, w*h*3)
	for i := 0; i < len(pix); i += 3 {
		pix[i] = 200
	}
	return pipeline.NewFrame(0, 0, w, h, pipeline.PixelFormatRGB24, pix, nil)
}

func TestFactoryFromYAML(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
ops:
  - op: resize
    width: 8
    height: 4
  - op: grayscale
  - op: invert
`), &node))

	r, err := Factory(node.Content[0])
	require.NoError(t, err)

	p, err := r.Run(context.Background(), redFrame(16, 8))
	require.NoError(t, err)
	img := p.(pipeline.ImagePayload).Image
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	// gray then inverted: channels equal and above the mid point
	px := img.NRGBAAt(0, 0)
	assert.Equal(t, px.R, px.G)
	assert.Equal(t, px.G, px.B)
	assert.Greater(t, px.R, uint8(128))
}

func TestEmptyChainCopiesFrame(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	f := redFrame(2, 2)
	p, err := r.Run(context.Background(), f)
	require.NoError(t, err)

	img := p.(pipeline.ImagePayload).Image
	img.Pix[0] = 1
	assert.Equal(t, byte(200), f.Pixels[0], "frame pixels must not change")
}

func TestRejectsBadOps(t *testing.T) {
	for _, op := range []Op{
		{Op: "resize"},
		{Op: "blur"},
		{Op: "rotate", Angle: 45},
		{Op: "crop", Width: 3},
		{Op: "teleport"},
	} {
		_, err := New(Config{Ops: []Op{op}})
		assert.Error(t, err, op.Op)
	}
}

func TestRunHonoursCancel(t *testing.T) {
	r, err := New(Config{Ops: []Op{{Op: "flip_h"}}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	_, err = r.Run(ctx, redFrame(2, 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
