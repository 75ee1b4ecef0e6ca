package workflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultPreviewMaxDimension bounds the longest side of a preview thumbnail.
const DefaultPreviewMaxDimension = 300

// PreviewJob tracks an asynchronous preview computation.
type PreviewJob struct {
	done chan struct{}
	err  error
}

func newPreviewJob() *PreviewJob {
	return &PreviewJob{done: make(chan struct{})}
}

func (p *PreviewJob) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the preview has been applied (or discarded because a
// newer image was selected).
func (p *PreviewJob) Done() <-chan struct{} {
	return p.done
}

// Err returns the preview failure, if any. Only valid after Done is closed.
func (p *PreviewJob) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the preview finishes or ctx ends.
func (p *PreviewJob) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BuildPreview decodes data and renders a PNG thumbnail whose longest side is
// at most maxDim pixels, returned as a data URI.
func BuildPreview(data []byte, maxDim int) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if maxDim <= 0 {
		maxDim = DefaultPreviewMaxDimension
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return "", fmt.Errorf("decode image: empty bounds %dx%d", w, h)
	}

	thumb := src
	if w > maxDim || h > maxDim {
		tw, th := fitWithin(w, h, maxDim)
		dst := image.NewRGBA(image.Rect(0, 0, tw, th))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		thumb = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return MakeDataURL("image/png", buf.Bytes()), nil
}

// MakeDataURL renders payload as a base64 data URI.
func MakeDataURL(mime string, payload []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(payload)
}

func fitWithin(w, h, maxDim int) (int, int) {
	if w >= h {
		th := h * maxDim / w
		if th < 1 {
			th = 1
		}
		return maxDim, th
	}
	tw := w * maxDim / h
	if tw < 1 {
		tw = 1
	}
	return tw, maxDim
}
