package compressor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ImageAsset is an immutable input image. Data must not be modified once the
// asset is handed to a run.
type ImageAsset struct {
	Name     string
	MIMEType string
	Data     []byte
}

// NewImageAsset creates an asset, detecting the MIME type when none is declared.
func NewImageAsset(name, mimeType string, data []byte) *ImageAsset {
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return &ImageAsset{
		Name:     name,
		MIMEType: mimeType,
		Data:     data,
	}
}

// ReadAsset reads at most limit bytes from r into a new asset. A limit of zero
// means no limit.
func ReadAsset(r io.Reader, name, mimeType string, limit int64) (*ImageAsset, error) {
	if r == nil {
		return nil, newError(KindRead, "read "+name, errors.New("nil reader"))
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, newError(KindRead, "read "+name, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, newError(KindRead, "read "+name, fmt.Errorf("input exceeds %d bytes", limit))
	}
	if len(data) == 0 {
		return nil, newError(KindRead, "read "+name, errors.New("empty input"))
	}
	return NewImageAsset(name, mimeType, data), nil
}

// Size returns the original byte size.
func (a *ImageAsset) Size() int {
	return len(a.Data)
}

// CompressedName is the download name of the compressed output.
func (a *ImageAsset) CompressedName() string {
	base := filepath.Base(a.Name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "image"
	}
	return "compressed_" + strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
}

// Decode turns the asset bytes into a surface, honoring EXIF orientation.
func Decode(a *ImageAsset) (image.Image, error) {
	if a == nil || len(a.Data) == 0 {
		return nil, newError(KindDecode, "decode", errors.New("no image data"))
	}
	img, err := imaging.Decode(bytes.NewReader(a.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(KindDecode, "decode "+a.Name, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, newError(KindDecode, "decode "+a.Name, errors.New("image has no pixels"))
	}
	return img, nil
}
