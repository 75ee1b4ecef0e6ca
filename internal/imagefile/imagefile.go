// Package imagefile is the local file-selection boundary: it reads a file or
// an uploaded form part, detects its MIME type from content, and rejects
// anything that is not an image before it reaches the workflow.
package imagefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/bg-remover/internal/workflow"
)

// ErrTooLarge is returned when a file exceeds the allowed size.
var ErrTooLarge = errors.New("file too large")

// ErrEmpty is returned for zero-length content.
var ErrEmpty = errors.New("empty file")

// ErrNotImage is returned when the content is not an image.
var ErrNotImage = errors.New("file is not an image")

// FromBytes builds a workflow image from raw content. The declared type is
// ignored in favour of the detected one.
func FromBytes(name string, data []byte) (workflow.Image, error) {
	if len(data) == 0 {
		return workflow.Image{}, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	detected := mimetype.Detect(data)
	if !isImage(detected) {
		return workflow.Image{}, fmt.Errorf("%s: %w (detected %s)", name, ErrNotImage, detected.String())
	}
	return workflow.Image{
		Name:     filepath.Base(name),
		MIMEType: detected.String(),
		Data:     data,
	}, nil
}

// Read consumes at most maxBytes from r.
func Read(name string, r io.Reader, maxBytes int64) (workflow.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return workflow.Image{}, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > maxBytes {
		return workflow.Image{}, fmt.Errorf("%s: %w (limit %d bytes)", name, ErrTooLarge, maxBytes)
	}
	return FromBytes(name, data)
}

// Open reads the image at path.
func Open(path string, maxBytes int64) (workflow.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return workflow.Image{}, err
	}
	defer f.Close()
	return Read(path, f, maxBytes)
}

func isImage(m *mimetype.MIME) bool {
	for cur := m; cur != nil; cur = cur.Parent() {
		if strings.HasPrefix(cur.String(), "image/") {
			return true
		}
	}
	return false
}
