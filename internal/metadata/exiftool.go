package metadata

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/barasher/go-exiftool"
)

// ErrExiftoolMissing is returned when the exiftool binary is not on PATH.
var ErrExiftoolMissing = errors.New("exiftool not found in PATH")

// ExiftoolMarker copies EXIF from a source image onto its compressed output
// and stamps the output's Software tag.
type ExiftoolMarker struct {
	Binary string
	Mark   string
}

// NewExiftoolMarker returns a marker using the exiftool binary on PATH.
func NewExiftoolMarker() (*ExiftoolMarker, error) {
	bin, err := exec.LookPath("exiftool")
	if err != nil {
		return nil, ErrExiftoolMissing
	}
	return &ExiftoolMarker{Binary: bin, Mark: SoftwareMark + " Compressed"}, nil
}

// CopyAndMark copies tags from src to dst and sets Software on dst.
func (m *ExiftoolMarker) CopyAndMark(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, m.Binary,
		"-TagsFromFile", src,
		"-Orientation=1", "-n",
		"-Software="+m.Mark,
		"-overwrite_original", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool copy failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// IsMarked checks the Software tag of path with exiftool.
func (m *ExiftoolMarker) IsMarked(path string) (bool, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return false, err
	}
	defer et.Close()

	files := et.ExtractMetadata(path)
	if len(files) == 0 {
		return false, fmt.Errorf("exiftool returned no metadata for %s", path)
	}
	if files[0].Err != nil {
		return false, files[0].Err
	}
	sw, err := files[0].GetString("Software")
	if err != nil {
		return false, nil
	}
	return strings.Contains(sw, SoftwareMark), nil
}
