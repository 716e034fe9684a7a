package compressor

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeHalvesLargeImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 1600, 1200))

	out, err := NewImagingResizer().Resize(src, 800)
	require.NoError(t, err)

	assert.Equal(t, 800, out.Bounds().Dx())
	assert.Equal(t, 600, out.Bounds().Dy())
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		target        int
		wantW, wantH  int
	}{
		{name: "downscale", width: 1600, height: 1200, target: 800, wantW: 800, wantH: 600},
		{name: "upscale", width: 400, height: 300, target: 800, wantW: 800, wantH: 600},
		{name: "rounding", width: 1000, height: 333, target: 800, wantW: 800, wantH: 266},
		{name: "rounding up", width: 1000, height: 336, target: 800, wantW: 800, wantH: 269},
		{name: "thin strip keeps one row", width: 10000, height: 1, target: 800, wantW: 800, wantH: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetSize(tt.width, tt.height, tt.target)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestResizeErrors(t *testing.T) {
	r := NewImagingResizer()

	_, err := r.Resize(nil, 10)
	assert.True(t, IsKind(err, KindResize))

	_, err = r.Resize(image.NewNRGBA(image.Rect(0, 0, 0, 0)), 10)
	assert.True(t, IsKind(err, KindResize))

	_, err = r.Resize(image.NewNRGBA(image.Rect(0, 0, 4, 4)), 0)
	assert.True(t, IsKind(err, KindResize))
}

func TestJPEGQuality(t *testing.T) {
	assert.Equal(t, 90, JPEGQuality(0.9))
	assert.Equal(t, 10, JPEGQuality(0.1))
	assert.Equal(t, 1, JPEGQuality(0))
	assert.Equal(t, 100, JPEGQuality(1))
	assert.Equal(t, 30, JPEGQuality(0.9-0.6))
}

func TestEncodersProduceJPEG(t *testing.T) {
	img, err := Decode(pngAsset(t, 48, 32, 0))
	require.NoError(t, err)

	for _, name := range []string{EncoderImaging, EncoderJpegli} {
		t.Run(name, func(t *testing.T) {
			enc, err := NewEncoder(name)
			require.NoError(t, err)

			high, err := enc.Encode(context.Background(), img, 0.95)
			require.NoError(t, err)
			low, err := enc.Encode(context.Background(), img, 0.1)
			require.NoError(t, err)

			cfg, err := jpeg.DecodeConfig(bytes.NewReader(high))
			require.NoError(t, err)
			assert.Equal(t, 48, cfg.Width)
			assert.Equal(t, 32, cfg.Height)
			assert.Less(t, len(low), len(high))
		})
	}
}

func TestEncoderRejectsOutOfRangeQuality(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for _, q := range []float64{-0.1, 1.01} {
		_, err := ImagingEncoder{}.Encode(context.Background(), img, q)
		assert.True(t, IsKind(err, KindEncode), "quality %v", q)
	}
}

func TestNewEncoderUnknown(t *testing.T) {
	_, err := NewEncoder("webp")
	assert.Error(t, err)
}

func TestReadAsset(t *testing.T) {
	src := pngAsset(t, 4, 4, 0)

	a, err := ReadAsset(bytes.NewReader(src.Data), "in.png", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.MIMEType)
	assert.Equal(t, len(src.Data), a.Size())
	assert.Equal(t, "compressed_in.jpg", a.CompressedName())

	_, err = ReadAsset(strings.NewReader(""), "empty.png", "", 0)
	assert.True(t, IsKind(err, KindRead))

	_, err = ReadAsset(bytes.NewReader(src.Data), "big.png", "", 10)
	assert.True(t, IsKind(err, KindRead))
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, assert.AnError }

func TestReadAssetStreamFailure(t *testing.T) {
	_, err := ReadAsset(brokenReader{}, "x.png", "", 0)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRead))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestErrorKindString(t *testing.T) {
	err := newError(KindDecode, "decode a.png", assert.AnError)
	assert.Equal(t, "decode", KindOf(err).String())
	assert.Contains(t, err.Error(), "decode error: decode a.png")
	assert.Equal(t, KindUnknown, KindOf(assert.AnError))
}
