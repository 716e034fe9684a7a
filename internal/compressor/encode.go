package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/jpegli"
)

// Encoder backend names accepted by NewEncoder.
const (
	EncoderImaging = "imaging"
	EncoderJpegli  = "jpegli"
)

// NewEncoder returns the encoder registered under name.
func NewEncoder(name string) (Encoder, error) {
	switch strings.ToLower(name) {
	case "", EncoderImaging:
		return ImagingEncoder{}, nil
	case EncoderJpegli:
		return NewJpegliEncoder(), nil
	default:
		return nil, fmt.Errorf("unknown encoder %q (valid: %s, %s)", name, EncoderImaging, EncoderJpegli)
	}
}

// JPEGQuality maps a [0,1] quality onto the 1-100 JPEG scale.
func JPEGQuality(quality float64) int {
	q := int(math.Round(quality * 100))
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func checkEncodeInput(ctx context.Context, surface image.Image, quality float64) error {
	if math.IsNaN(quality) || quality < 0 || quality > 1 {
		return newError(KindEncode, "encode", fmt.Errorf("quality %v out of range [0,1]", quality))
	}
	if surface == nil {
		return newError(KindEncode, "encode", errors.New("nil surface"))
	}
	return ctx.Err()
}

// ImagingEncoder encodes baseline JPEG through disintegration/imaging.
type ImagingEncoder struct{}

// Encode implements Encoder.
func (ImagingEncoder) Encode(ctx context.Context, surface image.Image, quality float64) ([]byte, error) {
	if err := checkEncodeInput(ctx, surface, quality); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, surface, imaging.JPEG, imaging.JPEGQuality(JPEGQuality(quality))); err != nil {
		return nil, newError(KindEncode, "imaging encode", err)
	}
	return buf.Bytes(), nil
}

// JpegliEncoder encodes with jpegli, which usually reaches a smaller size at
// the same visual quality.
type JpegliEncoder struct {
	ProgressiveLevel int
	OptimizeCoding   bool
}

// NewJpegliEncoder returns a progressive, Huffman-optimized jpegli encoder.
func NewJpegliEncoder() *JpegliEncoder {
	return &JpegliEncoder{
		ProgressiveLevel: 2,
		OptimizeCoding:   true,
	}
}

// Encode implements Encoder.
func (e *JpegliEncoder) Encode(ctx context.Context, surface image.Image, quality float64) ([]byte, error) {
	if err := checkEncodeInput(ctx, surface, quality); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	opts := &jpegli.EncodingOptions{
		Quality:          JPEGQuality(quality),
		ProgressiveLevel: e.ProgressiveLevel,
		OptimizeCoding:   e.OptimizeCoding,
	}
	if err := jpegli.Encode(&buf, surface, opts); err != nil {
		return nil, newError(KindEncode, "jpegli encode", err)
	}
	return buf.Bytes(), nil
}
