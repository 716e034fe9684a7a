package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains all statistics for compression runs.
type Statistics struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64

	FilesFound   int64
	FilesSkipped int64
	FilesKept    int64

	EncodeAttempts    int64
	FloorCorrections  int64
	LowQualityResults int64
	NotSmallerResults int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64
	AverageSaving  float64

	Errors []StatError

	mutex sync.RWMutex

	ErrorKinds map[string]int64
}

// StatError represents an error that occurred during a run.
type StatError struct {
	FilePath  string
	Kind      string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:  time.Now(),
		ErrorKinds: make(map[string]int64),
		Errors:     make([]StatError, 0),
	}
}

// IncrementRunsStarted increases the count of started runs by 1.
func (s *Statistics) IncrementRunsStarted() {
	atomic.AddInt64(&s.RunsStarted, 1)
}

// IncrementRunsCancelled increases the count of cancelled runs by 1.
func (s *Statistics) IncrementRunsCancelled() {
	atomic.AddInt64(&s.RunsCancelled, 1)
}

// IncrementFilesFound increases the count of discovered files by 1.
func (s *Statistics) IncrementFilesFound() {
	atomic.AddInt64(&s.FilesFound, 1)
}

// IncrementFilesSkipped increases the count of skipped files by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementFilesKept increases the count of files whose original was kept by 1.
func (s *Statistics) IncrementFilesKept() {
	atomic.AddInt64(&s.FilesKept, 1)
}

// IncrementEncodeAttempts increases the count of encode calls by 1.
func (s *Statistics) IncrementEncodeAttempts() {
	atomic.AddInt64(&s.EncodeAttempts, 1)
}

// RecordResult accounts a completed run.
func (s *Statistics) RecordResult(originalSize, compressedSize int, floorCorrected, lowQuality, notSmaller bool) {
	atomic.AddInt64(&s.RunsCompleted, 1)
	atomic.AddInt64(&s.BytesIn, int64(originalSize))
	atomic.AddInt64(&s.BytesOut, int64(compressedSize))
	if floorCorrected {
		atomic.AddInt64(&s.FloorCorrections, 1)
	}
	if lowQuality {
		atomic.AddInt64(&s.LowQualityResults, 1)
	}
	if notSmaller {
		atomic.AddInt64(&s.NotSmallerResults, 1)
	}
}

// AddError records a failed run.
func (s *Statistics) AddError(filePath, kind, errorMsg string) {
	atomic.AddInt64(&s.RunsFailed, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ErrorKinds[kind]++
	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Kind:      kind,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize calculates duration, throughput and average saving.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	completed := atomic.LoadInt64(&s.RunsCompleted)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(completed) / s.Duration.Seconds()
	}

	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)
	if in > 0 {
		s.AverageSaving = float64(in-out) * 100 / float64(in)
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return fmt.Sprintf(`Compression Statistics Summary:

Runs:
		Started: %d
		Completed: %d
		Failed: %d
		Cancelled: %d

Files:
		Found: %d
		Skipped: %d
		Original Kept: %d

Quality Search:
		Encode Attempts: %d
		Floor Corrections: %d
		Low Quality Results: %d
		Not Smaller Results: %d

Size:
		Bytes In: %s
		Bytes Out: %s
		Saved: %.1f%%

Performance:
		Duration: %v
		Files/Second: %.2f`,
		atomic.LoadInt64(&s.RunsStarted),
		atomic.LoadInt64(&s.RunsCompleted),
		atomic.LoadInt64(&s.RunsFailed),
		atomic.LoadInt64(&s.RunsCancelled),
		atomic.LoadInt64(&s.FilesFound),
		atomic.LoadInt64(&s.FilesSkipped),
		atomic.LoadInt64(&s.FilesKept),
		atomic.LoadInt64(&s.EncodeAttempts),
		atomic.LoadInt64(&s.FloorCorrections),
		atomic.LoadInt64(&s.LowQualityResults),
		atomic.LoadInt64(&s.NotSmallerResults),
		FormatBytes(atomic.LoadInt64(&s.BytesIn)),
		FormatBytes(atomic.LoadInt64(&s.BytesOut)),
		s.AverageSaving,
		s.Duration,
		s.FilesPerSecond)
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Kind,
			err.FilePath,
			err.Error)
	}
	return result
}

// Snapshot returns the counters as a map suitable for JSON output.
func (s *Statistics) Snapshot() map[string]interface{} {
	s.mutex.RLock()
	kinds := make(map[string]int64, len(s.ErrorKinds))
	for k, v := range s.ErrorKinds {
		kinds[k] = v
	}
	s.mutex.RUnlock()

	return map[string]interface{}{
		"runs": map[string]interface{}{
			"started":   atomic.LoadInt64(&s.RunsStarted),
			"completed": atomic.LoadInt64(&s.RunsCompleted),
			"failed":    atomic.LoadInt64(&s.RunsFailed),
			"cancelled": atomic.LoadInt64(&s.RunsCancelled),
		},
		"quality_search": map[string]interface{}{
			"encode_attempts":     atomic.LoadInt64(&s.EncodeAttempts),
			"floor_corrections":   atomic.LoadInt64(&s.FloorCorrections),
			"low_quality_results": atomic.LoadInt64(&s.LowQualityResults),
			"not_smaller_results": atomic.LoadInt64(&s.NotSmallerResults),
		},
		"bytes_in":    atomic.LoadInt64(&s.BytesIn),
		"bytes_out":   atomic.LoadInt64(&s.BytesOut),
		"error_kinds": kinds,
	}
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
