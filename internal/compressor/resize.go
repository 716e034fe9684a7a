package compressor

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ImagingResizer resizes with disintegration/imaging.
type ImagingResizer struct {
	Filter imaging.ResampleFilter
}

// NewImagingResizer returns a Lanczos resizer.
func NewImagingResizer() *ImagingResizer {
	return &ImagingResizer{Filter: imaging.Lanczos}
}

// Resize scales surface to targetWidth; the height is rounded from the same scale.
func (r *ImagingResizer) Resize(surface image.Image, targetWidth int) (image.Image, error) {
	if surface == nil {
		return nil, newError(KindResize, "resize", errors.New("nil surface"))
	}
	b := surface.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, newError(KindResize, "resize", fmt.Errorf("empty surface %dx%d", b.Dx(), b.Dy()))
	}
	if targetWidth <= 0 {
		return nil, newError(KindResize, "resize", fmt.Errorf("target width must be positive, got %d", targetWidth))
	}
	w, h := TargetSize(b.Dx(), b.Dy(), targetWidth)
	return imaging.Resize(surface, w, h, r.Filter), nil
}

// TargetSize returns the dimensions of a width x height surface scaled to targetWidth.
func TargetSize(width, height, targetWidth int) (int, int) {
	scale := float64(targetWidth) / float64(width)
	h := int(math.Round(float64(height) * scale))
	if h < 1 {
		h = 1
	}
	return targetWidth, h
}
