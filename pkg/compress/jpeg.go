// Package compress recompresses photos before they are uploaded.
package compress

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/media"
)

// JPEG decodes any registered image format, downscales it to a maximum width
// and re-encodes it as JPEG.
type JPEG struct {
	// Dir receives the compressed artifacts. Empty means os.TempDir.
	Dir    string
	logger *log.LogHandle
}

func NewJPEG(dir string) *JPEG {
	return &JPEG{Dir: dir, logger: log.GetLogger("compress")}
}

// Compress writes a new file and never modifies path. quality is a fraction
// in (0,1]; maxWidth <= 0 keeps the original dimensions.
func (j *JPEG) Compress(ctx context.Context, path string, quality float64, maxWidth int) (media.Compressed, error) {
	if err := ctx.Err(); err != nil {
		return media.Compressed{}, fmt.Errorf("%w: %w", media.ErrCancelled, err)
	}

	src, err := os.Open(path)
	if err != nil {
		return media.Compressed{}, fmt.Errorf("%w: open %s: %w", media.ErrCompressionFailed, path, err)
	}
	img, format, err := image.Decode(src)
	src.Close()
	if err != nil {
		return media.Compressed{}, fmt.Errorf("%w: decode %s: %w", media.ErrCompressionFailed, path, err)
	}

	img = Resize(img, maxWidth)
	bounds := img.Bounds()

	dir := j.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out, err := os.CreateTemp(dir, base+"-*.jpg")
	if err != nil {
		return media.Compressed{}, fmt.Errorf("%w: create artifact: %w", media.ErrIO, err)
	}

	encErr := jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQuality(quality)})
	closeErr := out.Close()
	if encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		os.Remove(out.Name())
		return media.Compressed{}, fmt.Errorf("%w: encode %s: %w", media.ErrCompressionFailed, path, encErr)
	}

	info, err := os.Stat(out.Name())
	if err != nil {
		os.Remove(out.Name())
		return media.Compressed{}, fmt.Errorf("%w: stat artifact: %w", media.ErrIO, err)
	}

	if j.logger != nil {
		j.logger.Debugf("compressed %s (%s, %dx%d) to %s", path, format, bounds.Dx(), bounds.Dy(), media.FormatBytes(info.Size()))
	}

	return media.Compressed{
		Path:   out.Name(),
		Size:   info.Size(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// Resize scales img down to maxWidth keeping its aspect ratio. Images that
// already fit are returned unchanged.
func Resize(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func jpegQuality(q float64) int {
	n := int(q*100 + 0.5)
	switch {
	case n < 1:
		return 1
	case n > 100:
		return 100
	}
	return n
}
