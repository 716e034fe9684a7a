package compressor

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"
)

// OutputMIMEType is the MIME type of every compressed blob.
const OutputMIMEType = "image/jpeg"

// LowQualityThreshold is the quality below which an accepted result is flagged.
const LowQualityThreshold = 0.5

// qualityTolerance absorbs float error when comparing against the quality floor.
const qualityTolerance = 5e-7

// Config defines the parameters of one quality-descent run.
type Config struct {
	MaxWidth           int
	InitialQuality     float64
	QualityStep        float64
	MinQuality         float64
	MinTargetSizeBytes int
	EncodeTimeout      time.Duration
}

// DefaultConfig returns the parameters the browser version shipped with.
func DefaultConfig() Config {
	return Config{
		MaxWidth:           800,
		InitialQuality:     0.9,
		QualityStep:        0.1,
		MinQuality:         0.1,
		MinTargetSizeBytes: 1024,
		EncodeTimeout:      30 * time.Second,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.MaxWidth <= 0 {
		return fmt.Errorf("%w: max width must be positive, got %d", ErrInvalidConfig, c.MaxWidth)
	}
	if c.InitialQuality <= 0 || c.InitialQuality > 1 {
		return fmt.Errorf("%w: initial quality must be in (0,1], got %v", ErrInvalidConfig, c.InitialQuality)
	}
	if c.QualityStep <= 0 || c.QualityStep >= 1 {
		return fmt.Errorf("%w: quality step must be in (0,1), got %v", ErrInvalidConfig, c.QualityStep)
	}
	if c.MinQuality < 0 || c.MinQuality >= c.InitialQuality {
		return fmt.Errorf("%w: min quality must be in [0,%v), got %v", ErrInvalidConfig, c.InitialQuality, c.MinQuality)
	}
	if c.MinTargetSizeBytes < 0 {
		return fmt.Errorf("%w: min target size must not be negative, got %d", ErrInvalidConfig, c.MinTargetSizeBytes)
	}
	if c.EncodeTimeout < 0 {
		return fmt.Errorf("%w: encode timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// MaxAttempts returns the upper bound on encode calls for one run:
// ceil((InitialQuality-MinQuality)/QualityStep) + 1.
func (c Config) MaxAttempts() int {
	return int(math.Ceil((c.InitialQuality-c.MinQuality-qualityTolerance)/c.QualityStep)) + 1
}

// qualityAt returns the quality used by the given zero-based attempt and
// whether it is the floor. It is derived from the attempt index so repeated
// subtraction never drifts. The result stays within [MinQuality, InitialQuality].
func (c Config) qualityAt(attempt int) (float64, bool) {
	q := c.InitialQuality - float64(attempt)*c.QualityStep
	if q <= c.MinQuality+qualityTolerance {
		return c.MinQuality, true
	}
	if attempt == 0 {
		return c.InitialQuality, false
	}
	// rounding moves q by at most 5e-7, so it cannot cross the floor
	return math.Min(math.Round(q*1e6)/1e6, c.InitialQuality), false
}

// Diagnostic is an informational flag attached to a result.
type Diagnostic string

const (
	// DiagnosticLowQuality marks a result accepted below LowQualityThreshold.
	DiagnosticLowQuality Diagnostic = "quality_low"
	// DiagnosticFloorCorrection marks a result accepted at the floor while still
	// smaller than the minimum target size.
	DiagnosticFloorCorrection Diagnostic = "floor_correction"
	// DiagnosticNotSmaller marks a result accepted at the floor while still not
	// smaller than the original.
	DiagnosticNotSmaller Diagnostic = "not_smaller"
)

// Attempt describes one encode inside a run.
type Attempt struct {
	Index     int     `json:"index"`
	Quality   float64 `json:"quality"`
	SizeBytes int     `json:"size_bytes"`
}

// Result describes the accepted output of a run.
type Result struct {
	Blob           []byte       `json:"-"`
	SizeBytes      int          `json:"size_bytes"`
	QualityUsed    float64      `json:"quality_used"`
	Width          int          `json:"width"`
	Height         int          `json:"height"`
	MIMEType       string       `json:"mime_type"`
	OriginalSize   int          `json:"original_size"`
	OriginalWidth  int          `json:"original_width"`
	OriginalHeight int          `json:"original_height"`
	Attempts       int          `json:"attempts"`
	MinTargetSize  int          `json:"min_target_size"`
	Diagnostics    []Diagnostic `json:"diagnostics,omitempty"`
}

// InBand reports whether the size lies in [MinTargetSize, OriginalSize).
func (r *Result) InBand() bool {
	return r.SizeBytes >= r.MinTargetSize && r.SizeBytes < r.OriginalSize
}

// HasDiagnostic reports whether d was raised for this result.
func (r *Result) HasDiagnostic(d Diagnostic) bool {
	for _, got := range r.Diagnostics {
		if got == d {
			return true
		}
	}
	return false
}

// Resizer scales a surface to a target width preserving the aspect ratio.
type Resizer interface {
	Resize(surface image.Image, targetWidth int) (image.Image, error)
}

// Encoder serializes a surface into a JPEG blob at quality in [0,1].
type Encoder interface {
	Encode(ctx context.Context, surface image.Image, quality float64) ([]byte, error)
}

// Observer receives every attempt of a run as it happens.
type Observer interface {
	OnAttempt(a Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(a Attempt)

// OnAttempt calls f(a).
func (f ObserverFunc) OnAttempt(a Attempt) { f(a) }

type nopObserver struct{}

func (nopObserver) OnAttempt(Attempt) {}
