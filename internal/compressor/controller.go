package compressor

import (
	"context"
	"fmt"
	"image"

	"compress-img-go/internal/logger"

	"github.com/sirupsen/logrus"
)

// Controller runs the quality descent: one resize, then encodes at
// decreasing quality until the size band is met or the floor is reached.
type Controller struct {
	resizer Resizer
	encoder Encoder
	logger  *logrus.Logger
}

// NewController returns a Controller. A nil logger discards output.
func NewController(resizer Resizer, encoder Encoder, log *logrus.Logger) *Controller {
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{
		resizer: resizer,
		encoder: encoder,
		logger:  log,
	}
}

// Compress runs one compression of asset. A nil observer is allowed.
// Cancelling ctx stops the run at the next suspension point and returns the
// context error; a pending encode result is discarded.
func (c *Controller) Compress(ctx context.Context, asset *ImageAsset, cfg Config, obs Observer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}
	log := logger.WithOperation(c.logger, "compress", asset.Name)

	src, err := Decode(asset)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	surface, err := c.resizer.Resize(src, cfg.MaxWidth)
	if err != nil {
		return nil, err
	}
	width, height := surface.Bounds().Dx(), surface.Bounds().Dy()
	log.Debugf("Resized %dx%d -> %dx%d", src.Bounds().Dx(), src.Bounds().Dy(), width, height)

	originalSize := asset.Size()
	for attempt := 0; ; attempt++ {
		quality, atFloor := cfg.qualityAt(attempt)

		blob, err := c.encode(ctx, surface, quality, cfg)
		if err != nil {
			return nil, err
		}
		size := len(blob)
		obs.OnAttempt(Attempt{Index: attempt, Quality: quality, SizeBytes: size})
		log.Debugf("Attempt %d: quality %.2f -> %d bytes", attempt+1, quality, size)

		if !atFloor && (size >= originalSize || size < cfg.MinTargetSizeBytes) {
			continue
		}

		res := &Result{
			Blob:           blob,
			SizeBytes:      size,
			QualityUsed:    quality,
			Width:          width,
			Height:         height,
			MIMEType:       OutputMIMEType,
			OriginalSize:   originalSize,
			OriginalWidth:  src.Bounds().Dx(),
			OriginalHeight: src.Bounds().Dy(),
			Attempts:       attempt + 1,
			MinTargetSize:  cfg.MinTargetSizeBytes,
		}

		switch {
		case size < cfg.MinTargetSizeBytes:
			// The last encode already ran at exactly MinQuality, so it is the
			// floor-correction encode and is accepted as is.
			res.Diagnostics = append(res.Diagnostics, DiagnosticFloorCorrection)
			log.Warnf("Final compressed image is below minimum size (%d < %d bytes) at quality floor %.2f",
				size, cfg.MinTargetSizeBytes, quality)
		case size >= originalSize:
			res.Diagnostics = append(res.Diagnostics, DiagnosticNotSmaller)
			log.Warnf("Compressed image is not smaller than original (%d >= %d bytes) at quality floor %.2f",
				size, originalSize, quality)
		case quality < LowQualityThreshold:
			res.Diagnostics = append(res.Diagnostics, DiagnosticLowQuality)
			log.Warnf("Quality of the image is low (%.2f), consider a lower minimum target size", quality)
		}

		log.WithFields(logrus.Fields{
			"quality":       quality,
			"size":          size,
			"original_size": originalSize,
			"attempts":      res.Attempts,
		}).Info("Image compressed")
		return res, nil
	}
}

// encode runs one encode bounded by cfg.EncodeTimeout. The backend call is not
// interruptible; on cancellation or timeout its result is dropped.
func (c *Controller) encode(ctx context.Context, surface image.Image, quality float64, cfg Config) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encodeCtx := ctx
	if cfg.EncodeTimeout > 0 {
		var cancel context.CancelFunc
		encodeCtx, cancel = context.WithTimeout(ctx, cfg.EncodeTimeout)
		defer cancel()
	}

	type output struct {
		blob []byte
		err  error
	}
	done := make(chan output, 1)
	go func() {
		blob, err := c.encoder.Encode(encodeCtx, surface, quality)
		done <- output{blob: blob, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if KindOf(out.err) == KindUnknown {
				return nil, newError(KindEncode, fmt.Sprintf("encode at quality %.2f", quality), out.err)
			}
			return nil, out.err
		}
		return out.blob, nil
	case <-encodeCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, newError(KindEncode, fmt.Sprintf("encode at quality %.2f", quality),
			fmt.Errorf("%w after %s", ErrEncodeTimeout, cfg.EncodeTimeout))
	}
}
