// Package batch compresses image files from disk with a worker pool.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"compress-img-go/internal/compressor"
	"compress-img-go/internal/logger"
	"compress-img-go/internal/metadata"
	"compress-img-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

// Action is what happened to one input file.
type Action string

const (
	ActionCompressed Action = "compressed"
	ActionOriginal   Action = "original"
	ActionSkipped    Action = "skipped"
	ActionError      Action = "error"
)

// Compressor runs one compression.
type Compressor interface {
	Compress(ctx context.Context, asset *compressor.ImageAsset, cfg compressor.Config, obs compressor.Observer) (*compressor.Result, error)
}

// Marker copies metadata from a source onto its output and stamps the output.
// IsMarked reports whether a file already carries that stamp.
type Marker interface {
	CopyAndMark(ctx context.Context, src, dst string) error
	IsMarked(path string) (bool, error)
}

// Params describes one batch run.
type Params struct {
	InputPaths   []string
	TargetDir    string // empty writes next to each input
	Extensions   []string
	Workers      int
	OutputPrefix string
	SkipMarked   bool
	Config       compressor.Config
}

// FileResult is the outcome for one input file.
type FileResult struct {
	InputPath       string
	OutputPath      string
	Action          Action
	Message         string
	OriginalSize    int64
	CompressedSize  int64
	QualityUsed     float64
	Attempts        int
	Diagnostics     []compressor.Diagnostic
	PercentageSaved float64
	Error           error
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Success reports whether the file produced an output.
func (r FileResult) Success() bool {
	return r.Action == ActionCompressed || r.Action == ActionOriginal
}

// Runner compresses files. It is safe for concurrent use.
type Runner struct {
	compressor Compressor
	marker     Marker
	stats      *statistics.Statistics
	logger     *logrus.Logger
}

// NewRunner returns a Runner. marker may be nil to leave outputs unmarked.
func NewRunner(c Compressor, marker Marker, stats *statistics.Statistics, log *logrus.Logger) *Runner {
	if stats == nil {
		stats = statistics.NewStatistics()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Runner{
		compressor: c,
		marker:     marker,
		stats:      stats,
		logger:     log,
	}
}

// Run compresses every supported file under params.InputPaths. Results keep
// the order in which files were collected. Per-file failures are reported in
// the results; the returned error is reserved for setup failures and ctx.
func (r *Runner) Run(ctx context.Context, params Params) ([]FileResult, error) {
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	if params.OutputPrefix == "" {
		params.OutputPrefix = "compressed_"
	}

	files, err := collectImageFiles(params.InputPaths, params.Extensions)
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}
	logger.WithOperation(r.logger, "batch", "").Infof("Found %d image files", len(files))
	if len(files) == 0 {
		return nil, nil
	}

	if params.TargetDir != "" {
		if err := os.MkdirAll(params.TargetDir, 0755); err != nil {
			return nil, fmt.Errorf("create target dir: %w", err)
		}
	}

	numWorkers := params.Workers
	if numWorkers <= 0 {
		numWorkers = max(runtime.NumCPU(), 2)
	}
	numWorkers = min(numWorkers, len(files))

	type job struct {
		index int
		path  string
	}
	type result struct {
		index int
		res   FileResult
	}

	jobs := make(chan job, len(files))
	results := make(chan result, len(files))
	claims := &pathClaims{claimed: make(map[string]bool)}

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results <- result{index: j.index, res: r.compressOne(ctx, j.path, params, claims)}
			}
		}()
	}

	for i, path := range files {
		r.stats.IncrementFilesFound()
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()
	close(results)

	resArr := make([]FileResult, 0, len(files))
	ordered := make([]*FileResult, len(files))
	for res := range results {
		ordered[res.index] = &res.res
	}
	for _, res := range ordered {
		if res != nil {
			resArr = append(resArr, *res)
		}
	}

	if err := ctx.Err(); err != nil {
		return resArr, err
	}
	return resArr, nil
}

// collectImageFiles recursively collects all files with supported extensions.
func collectImageFiles(inputPaths []string, extensions []string) ([]string, error) {
	var files []string
	extSet := make(map[string]struct{})
	for _, e := range extensions {
		extSet[strings.ToLower(e)] = struct{}{}
	}
	supported := func(name string) bool {
		_, ok := extSet[strings.ToLower(filepath.Ext(name))]
		return ok
	}

	visit := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if supported(d.Name()) {
			files = append(files, path)
		}
		return nil
	}
	for _, in := range inputPaths {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			if err := filepath.WalkDir(in, visit); err != nil {
				return nil, err
			}
		} else if supported(info.Name()) {
			files = append(files, in)
		}
	}
	return files, nil
}

// compressOne compresses a single file and returns its FileResult.
func (r *Runner) compressOne(ctx context.Context, inputPath string, params Params, claims *pathClaims) FileResult {
	log := logger.WithOperation(r.logger, "batch", inputPath)
	res := FileResult{
		InputPath: inputPath,
		StartedAt: time.Now(),
	}
	fail := func(kind, msg string, err error) FileResult {
		res.Action = ActionError
		res.Message = msg
		res.Error = err
		res.FinishedAt = time.Now()
		r.stats.AddError(inputPath, kind, err.Error())
		log.Errorf("Compression error: %s", msg)
		return res
	}

	if params.SkipMarked && r.isMarked(inputPath, log) {
		r.stats.IncrementFilesSkipped()
		res.Action = ActionSkipped
		res.Message = "Already compressed"
		res.FinishedAt = time.Now()
		log.Debug("Skipping marked file")
		return res
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fail(compressor.KindRead.String(), fmt.Sprintf("open error: %v", err), err)
	}
	asset, err := compressor.ReadAsset(f, filepath.Base(inputPath), "", 0)
	f.Close()
	if err != nil {
		return fail(compressor.KindOf(err).String(), err.Error(), err)
	}
	res.OriginalSize = int64(asset.Size())

	r.stats.IncrementRunsStarted()
	obs := compressor.ObserverFunc(func(compressor.Attempt) { r.stats.IncrementEncodeAttempts() })
	out, err := r.compressor.Compress(ctx, asset, params.Config, obs)
	if err != nil {
		return fail(compressor.KindOf(err).String(), err.Error(), err)
	}
	res.QualityUsed = out.QualityUsed
	res.Attempts = out.Attempts
	res.Diagnostics = out.Diagnostics

	dir := params.TargetDir
	if dir == "" {
		dir = filepath.Dir(inputPath)
	}

	if out.HasDiagnostic(compressor.DiagnosticNotSmaller) {
		res.OutputPath = claims.claim(filepath.Join(dir, params.OutputPrefix+filepath.Base(inputPath)))
		if err := writeFileAtomic(res.OutputPath, asset.Data); err != nil {
			return fail("write", fmt.Sprintf("copy original error: %v", err), err)
		}
		r.stats.IncrementFilesKept()
		r.stats.RecordResult(asset.Size(), asset.Size(), false, false, true)
		res.Action = ActionOriginal
		res.Message = "Compressed file not smaller than original, saved original"
		res.CompressedSize = res.OriginalSize
		res.FinishedAt = time.Now()
		log.Warn("Kept original")
		return res
	}

	base := filepath.Base(inputPath)
	res.OutputPath = claims.claim(filepath.Join(dir, params.OutputPrefix+strings.TrimSuffix(base, filepath.Ext(base))+".jpg"))
	if err := writeFileAtomic(res.OutputPath, out.Blob); err != nil {
		return fail("write", fmt.Sprintf("save error: %v", err), err)
	}
	if r.marker != nil {
		if err := r.marker.CopyAndMark(ctx, inputPath, res.OutputPath); err != nil {
			res.Message = fmt.Sprintf("warning: exif not copied/marked: %v", err)
			log.Warnf("EXIF not copied: %v", err)
		}
	}

	r.stats.RecordResult(out.OriginalSize, out.SizeBytes,
		out.HasDiagnostic(compressor.DiagnosticFloorCorrection),
		out.HasDiagnostic(compressor.DiagnosticLowQuality),
		false)
	res.Action = ActionCompressed
	if res.Message == "" {
		res.Message = "Image compressed"
	}
	res.CompressedSize = int64(out.SizeBytes)
	res.PercentageSaved = float64(res.OriginalSize-res.CompressedSize) * 100 / float64(res.OriginalSize)
	res.FinishedAt = time.Now()
	log.WithFields(logrus.Fields{
		"quality":  out.QualityUsed,
		"attempts": out.Attempts,
		"size":     out.SizeBytes,
	}).Info("Image compressed")
	return res
}

// isMarked asks the marker first and falls back to reading EXIF directly when
// the marker cannot answer.
func (r *Runner) isMarked(path string, log *logrus.Entry) bool {
	if r.marker != nil {
		marked, err := r.marker.IsMarked(path)
		if err == nil {
			return marked
		}
		log.Debugf("Marker check failed, reading EXIF instead: %v", err)
	}
	return metadata.HasSoftwareMark(path)
}

// pathClaims hands out output paths so that two inputs of one run, such as
// a.png and a.jpg, never write the same file.
type pathClaims struct {
	mu      sync.Mutex
	claimed map[string]bool
}

// claim returns basePath, or basePath with a counter added if another file of
// this run already claimed it.
func (c *pathClaims) claim(basePath string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.claimed[basePath] {
		c.claimed[basePath] = true
		return basePath
	}

	dir := filepath.Dir(basePath)
	name := filepath.Base(basePath)
	ext := filepath.Ext(name)
	nameWithoutExt := strings.TrimSuffix(name, ext)

	counter := 1
	for {
		newPath := filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameWithoutExt, counter, ext))
		if !c.claimed[newPath] {
			c.claimed[newPath] = true
			return newPath
		}
		counter++
	}
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
