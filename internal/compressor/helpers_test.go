package compressor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// pngAsset builds a decodable w x h PNG asset padded with trailing bytes up to
// size. The PNG decoder stops at IEND so the padding only affects Size().
func pngAsset(t *testing.T, w, h, size int) *ImageAsset {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x + y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()
	if size > len(data) {
		data = append(data, make([]byte, size-len(data))...)
	}
	return NewImageAsset("photo.png", "", data)
}

// fakeEncoder returns blobs whose length is given by sizeAt and records every
// quality it was called with.
type fakeEncoder struct {
	mu     sync.Mutex
	sizeAt func(quality float64) int
	calls  []float64
}

func (f *fakeEncoder) Encode(ctx context.Context, _ image.Image, quality float64) ([]byte, error) {
	if err := checkEncodeInput(ctx, image.NewGray(image.Rect(0, 0, 1, 1)), quality); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, quality)
	f.mu.Unlock()
	return make([]byte, f.sizeAt(quality)), nil
}

func (f *fakeEncoder) qualities() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.calls...)
}

// sizeTable maps JPEG percent quality to a blob size, with def for the rest.
func sizeTable(def int, table map[int]int) func(float64) int {
	return func(q float64) int {
		if s, ok := table[JPEGQuality(q)]; ok {
			return s
		}
		return def
	}
}

// blockingEncoder blocks every call until release is closed.
type blockingEncoder struct {
	started chan float64
	release chan struct{}
	size    int
}

func newBlockingEncoder(size int) *blockingEncoder {
	return &blockingEncoder{
		started: make(chan float64, 16),
		release: make(chan struct{}),
		size:    size,
	}
}

func (b *blockingEncoder) Encode(_ context.Context, _ image.Image, quality float64) ([]byte, error) {
	b.started <- quality
	<-b.release
	return make([]byte, b.size), nil
}
