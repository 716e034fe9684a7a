package batch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"compress-img-go/internal/compressor"
	"compress-img-go/internal/statistics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var extensions = []string{".png", ".jpg", ".jpeg"}

func writePNG(t *testing.T, path string, w, h, padding int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := append(buf.Bytes(), make([]byte, padding)...)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func testConfig() compressor.Config {
	cfg := compressor.DefaultConfig()
	cfg.MaxWidth = 32
	cfg.MinTargetSizeBytes = 16
	return cfg
}

func realController() *compressor.Controller {
	return compressor.NewController(compressor.NewImagingResizer(), compressor.ImagingEncoder{}, nil)
}

type recordingMarker struct {
	mu      sync.Mutex
	pairs   [][2]string
	checked []string
	err     error
	marked  map[string]bool
	markErr error
}

func (m *recordingMarker) IsMarked(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked = append(m.checked, path)
	if m.markErr != nil {
		return false, m.markErr
	}
	return m.marked[filepath.Base(path)], nil
}

func (m *recordingMarker) CopyAndMark(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs = append(m.pairs, [2]string{src, dst})
	return m.err
}

type stubCompressor struct {
	result *compressor.Result
	err    error
}

func (s stubCompressor) Compress(_ context.Context, asset *compressor.ImageAsset, _ compressor.Config, obs compressor.Observer) (*compressor.Result, error) {
	obs.OnAttempt(compressor.Attempt{Index: 0, Quality: 0.9, SizeBytes: asset.Size()})
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	r.OriginalSize = asset.Size()
	return &r, nil
}

func TestRunCompressesDirectory(t *testing.T) {
	src := t.TempDir()
	target := filepath.Join(t.TempDir(), "out")
	writePNG(t, filepath.Join(src, "a.png"), 64, 48, 100000)
	writePNG(t, filepath.Join(src, "nested", "b.PNG"), 40, 40, 100000)
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("x"), 0644))

	stats := statistics.NewStatistics()
	marker := &recordingMarker{}
	runner := NewRunner(realController(), marker, stats, nil)

	results, err := runner.Run(context.Background(), Params{
		InputPaths:   []string{src},
		TargetDir:    target,
		Extensions:   extensions,
		Workers:      2,
		OutputPrefix: "compressed_",
		Config:       testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, res := range results {
		assert.Equal(t, ActionCompressed, res.Action, res.Message)
		assert.True(t, res.Success())
		assert.Less(t, res.CompressedSize, res.OriginalSize)
		assert.Positive(t, res.PercentageSaved)

		data, err := os.ReadFile(res.OutputPath)
		require.NoError(t, err)
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)
		assert.Equal(t, 32, cfg.Width)
		_, err = os.Stat(res.OutputPath + ".tmp")
		assert.True(t, os.IsNotExist(err))
	}
	assert.Equal(t, filepath.Join(target, "compressed_a.jpg"), results[0].OutputPath)
	assert.Equal(t, filepath.Join(target, "compressed_b.jpg"), results[1].OutputPath)

	assert.Len(t, marker.pairs, 2)
	assert.Equal(t, int64(2), stats.FilesFound)
	assert.Equal(t, int64(2), stats.RunsCompleted)
	assert.Positive(t, stats.EncodeAttempts)
}

func TestRunWritesNextToInput(t *testing.T) {
	src := t.TempDir()
	in := filepath.Join(src, "photo.png")
	writePNG(t, in, 50, 20, 50000)

	results, err := NewRunner(realController(), nil, nil, nil).Run(context.Background(), Params{
		InputPaths: []string{in},
		Extensions: extensions,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, filepath.Join(src, "compressed_photo.jpg"), results[0].OutputPath)
	assert.FileExists(t, results[0].OutputPath)
}

func TestRunKeepsOriginalWhenNotSmaller(t *testing.T) {
	src := t.TempDir()
	in := filepath.Join(src, "tiny.png")
	writePNG(t, in, 4, 4, 0)

	stats := statistics.NewStatistics()
	stub := stubCompressor{result: &compressor.Result{
		SizeBytes:   5000,
		QualityUsed: 0.1,
		Diagnostics: []compressor.Diagnostic{compressor.DiagnosticNotSmaller},
	}}
	marker := &recordingMarker{}
	results, err := NewRunner(stub, marker, stats, nil).Run(context.Background(), Params{
		InputPaths: []string{in},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, ActionOriginal, res.Action)
	assert.Equal(t, filepath.Join(src, "out", "compressed_tiny.png"), res.OutputPath)
	assert.Equal(t, res.OriginalSize, res.CompressedSize)

	orig, err := os.ReadFile(in)
	require.NoError(t, err)
	copied, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, orig, copied)

	assert.Empty(t, marker.pairs)
	assert.Equal(t, int64(1), stats.FilesKept)
	assert.Equal(t, int64(1), stats.NotSmallerResults)
}

func TestRunReportsPerFileErrors(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "good.png"), 20, 20, 10000)
	require.NoError(t, os.WriteFile(filepath.Join(src, "broken.jpg"), []byte("not a jpeg"), 0644))

	stats := statistics.NewStatistics()
	results, err := NewRunner(realController(), nil, stats, nil).Run(context.Background(), Params{
		InputPaths: []string{src},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]FileResult{}
	for _, r := range results {
		byName[filepath.Base(r.InputPath)] = r
	}
	broken := byName["broken.jpg"]
	assert.Equal(t, ActionError, broken.Action)
	assert.False(t, broken.Success())
	assert.True(t, compressor.IsKind(broken.Error, compressor.KindDecode))
	assert.Equal(t, ActionCompressed, byName["good.png"].Action)

	assert.Equal(t, int64(1), stats.RunsFailed)
	assert.Equal(t, int64(1), stats.ErrorKinds["decode"])
}

func TestRunMarkerFailureIsAWarning(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "a.png"), 20, 20, 10000)

	marker := &recordingMarker{err: errors.New("exiftool missing")}
	results, err := NewRunner(realController(), marker, nil, nil).Run(context.Background(), Params{
		InputPaths: []string{src},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionCompressed, results[0].Action)
	assert.Contains(t, results[0].Message, "exiftool missing")
}

func TestRunSkipMarkedKeepsUnmarkedJPEG(t *testing.T) {
	src := t.TempDir()
	in := filepath.Join(src, "plain.jpg")
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 40, 40)), nil))
	require.NoError(t, os.WriteFile(in, append(buf.Bytes(), make([]byte, 20000)...), 0644))

	results, err := NewRunner(realController(), nil, nil, nil).Run(context.Background(), Params{
		InputPaths: []string{in},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		SkipMarked: true,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionCompressed, results[0].Action)
}

func TestRunSkipMarkedAsksMarker(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "done.png"), 20, 20, 10000)
	writePNG(t, filepath.Join(src, "fresh.png"), 20, 20, 10000)

	stats := statistics.NewStatistics()
	marker := &recordingMarker{marked: map[string]bool{"done.png": true}}
	results, err := NewRunner(realController(), marker, stats, nil).Run(context.Background(), Params{
		InputPaths: []string{src},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		SkipMarked: true,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]FileResult{}
	for _, r := range results {
		byName[filepath.Base(r.InputPath)] = r
	}
	assert.Equal(t, ActionSkipped, byName["done.png"].Action)
	assert.Empty(t, byName["done.png"].OutputPath)
	assert.Equal(t, ActionCompressed, byName["fresh.png"].Action)
	assert.Len(t, marker.checked, 2)
	assert.Equal(t, int64(1), stats.FilesSkipped)
	assert.NoFileExists(t, filepath.Join(src, "out", "compressed_done.jpg"))
}

func TestRunSkipMarkedFallsBackWhenMarkerFails(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "a.png"), 20, 20, 10000)

	marker := &recordingMarker{markErr: errors.New("exiftool not found in PATH")}
	results, err := NewRunner(realController(), marker, nil, nil).Run(context.Background(), Params{
		InputPaths: []string{src},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		SkipMarked: true,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionCompressed, results[0].Action)
	assert.Len(t, marker.checked, 1)
}

func TestRunErrors(t *testing.T) {
	runner := NewRunner(realController(), nil, nil, nil)

	_, err := runner.Run(context.Background(), Params{
		InputPaths: []string{filepath.Join(t.TempDir(), "missing")},
		Extensions: extensions,
		Config:     testConfig(),
	})
	assert.Error(t, err)

	bad := testConfig()
	bad.MinQuality = 0.95
	_, err = runner.Run(context.Background(), Params{Config: bad})
	assert.ErrorIs(t, err, compressor.ErrInvalidConfig)

	results, err := runner.Run(context.Background(), Params{
		InputPaths: []string{t.TempDir()},
		Extensions: extensions,
		Config:     testConfig(),
	})
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunCancelled(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "a.png"), 20, 20, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := NewRunner(realController(), nil, nil, nil).Run(ctx, Params{
		InputPaths: []string{src},
		TargetDir:  filepath.Join(src, "out"),
		Extensions: extensions,
		Config:     testConfig(),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestRunSeparatesCollidingOutputs(t *testing.T) {
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "a.png"), 20, 20, 10000)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 20, 20)), nil))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.jpg"), append(buf.Bytes(), make([]byte, 10000)...), 0644))

	target := filepath.Join(src, "out")
	results, err := NewRunner(realController(), nil, nil, nil).Run(context.Background(), Params{
		InputPaths: []string{src},
		TargetDir:  target,
		Extensions: extensions,
		Workers:    2,
		Config:     testConfig(),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	outputs := []string{results[0].OutputPath, results[1].OutputPath}
	assert.ElementsMatch(t, []string{
		filepath.Join(target, "compressed_a.jpg"),
		filepath.Join(target, "compressed_a_1.jpg"),
	}, outputs)
	for _, out := range outputs {
		assert.FileExists(t, out)
	}
}

func TestPathClaims(t *testing.T) {
	c := &pathClaims{claimed: make(map[string]bool)}
	assert.Equal(t, "out/x.jpg", c.claim("out/x.jpg"))
	assert.Equal(t, filepath.Join("out", "x_1.jpg"), c.claim("out/x.jpg"))
	assert.Equal(t, filepath.Join("out", "x_2.jpg"), c.claim("out/x.jpg"))
	assert.Equal(t, "out/y.jpg", c.claim("out/y.jpg"))
}
