// Package metadata reads EXIF information from source images and marks
// compressed outputs so later batch runs can skip them.
package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SoftwareMark is written to the EXIF Software tag of marked outputs.
const SoftwareMark = "CompressImg"

// ErrNoEXIF is returned when the image carries no EXIF block.
var ErrNoEXIF = errors.New("no EXIF data")

// Info describes an image file.
type Info struct {
	MIMEType    string     `json:"mime_type"`
	Format      string     `json:"format"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	SizeBytes   int        `json:"size_bytes"`
	Make        string     `json:"make,omitempty"`
	Model       string     `json:"model,omitempty"`
	Software    string     `json:"software,omitempty"`
	Orientation int        `json:"orientation,omitempty"`
	DateTaken   *time.Time `json:"date_taken,omitempty"`
	HasEXIF     bool       `json:"has_exif"`
}

// Describe returns the format, dimensions and, when present, EXIF fields of data.
// Missing EXIF is not an error.
func Describe(data []byte) (*Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	info := &Info{
		MIMEType:  http.DetectContentType(data),
		Format:    format,
		Width:     cfg.Width,
		Height:    cfg.Height,
		SizeBytes: len(data),
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return info, nil
	}
	fillEXIF(info, x)
	return info, nil
}

// DescribeFile reads path and describes it.
func DescribeFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Describe(data)
}

// Software returns the EXIF Software tag of the image in r.
func Software(r io.Reader) (string, error) {
	x, err := exif.Decode(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoEXIF, err)
	}
	return stringTag(x, exif.Software), nil
}

// HasSoftwareMark reports whether the file at path was marked by a previous run.
// Unreadable files and files without EXIF count as unmarked.
func HasSoftwareMark(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sw, err := Software(f)
	if err != nil {
		return false
	}
	return strings.Contains(sw, SoftwareMark)
}

func fillEXIF(info *Info, x *exif.Exif) {
	info.HasEXIF = true
	info.Make = stringTag(x, exif.Make)
	info.Model = stringTag(x, exif.Model)
	info.Software = stringTag(x, exif.Software)

	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			info.Orientation = v
		}
	}

	if tm, err := x.DateTime(); err == nil {
		info.DateTaken = &tm
		return
	}
	for _, name := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized} {
		if date := parseEXIFDateTime(stringTag(x, name)); date != nil {
			info.DateTaken = date
			return
		}
	}
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	val, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(val, "\x00"))
}

// parseEXIFDateTime returns nil if dateStr matches none of the known layouts.
func parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
	}

	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}
	return nil
}
