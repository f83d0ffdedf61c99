package runner

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// ValidateCrop checks that c describes a non-empty region inside the frame
func ValidateCrop(field string, c pipeline.CropConfig) error {
	switch {
	case c.XPercent < 0 || c.YPercent < 0:
		return pipeline.ConfigErrorf(field, "crop offset must not be negative")
	case c.WidthPercent <= 0 || c.HeightPercent <= 0:
		return pipeline.ConfigErrorf(field, "crop size must be positive")
	case c.XPercent+c.WidthPercent > 100 || c.YPercent+c.HeightPercent > 100:
		return pipeline.ConfigErrorf(field, "crop region exceeds the frame")
	}
	return nil
}

// CropRect converts a percentage region to pixels for a width x height frame.
// Offset and size are rounded on their own, the way ffmpeg's crop filter
// evaluates round(in_w*w):round(in_h*h):round(in_w*x):round(in_h*y), so the
// same config crops the same pixels on every backend.
func CropRect(c pipeline.CropConfig, width, height int) image.Rectangle {
	x0 := roundPercent(width, c.XPercent)
	y0 := roundPercent(height, c.YPercent)
	w := roundPercent(width, c.WidthPercent)
	h := roundPercent(height, c.HeightPercent)
	return image.Rect(x0, y0, x0+w, y0+h).Intersect(image.Rect(0, 0, width, height))
}

func roundPercent(n int, pct float64) int {
	return int(math.Round(float64(n) * pct / 100))
}

// CropFrame returns a new frame holding only the region c of f. The result
// owns its pixels and keeps f's sequence index and timestamp.
func CropFrame(f *pipeline.Frame, c pipeline.CropConfig) (*pipeline.Frame, error) {
	rect := CropRect(c, f.Width, f.Height)
	if rect.Empty() {
		return nil, fmt.Errorf("crop region is empty for a %dx%d frame", f.Width, f.Height)
	}

	cropped := imaging.Crop(f.Image(), rect)
	b := cropped.Bounds()
	return pipeline.NewFrame(f.Seq, f.Timestamp, b.Dx(), b.Dy(), pipeline.PixelFormatRGBA, cropped.Pix, nil), nil
}
