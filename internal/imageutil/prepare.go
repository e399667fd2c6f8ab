// Package imageutil prepares photos for the face embedder and maps the
// embedder's boxes back onto the original picture.
package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/facegallery/internal/constants"
)

// ErrInvalidImage is returned for data that does not decode as a supported image.
var ErrInvalidImage = errors.New("invalid image")

// Prepared is an upright, size-limited copy of a photo.
type Prepared struct {
	Data   []byte  // encoded image sent to the embedder
	Width  int     // upright width of the original photo
	Height int     // upright height of the original photo
	Scale  float64 // original pixels per prepared pixel (>= 1)
}

// Prepare applies the EXIF orientation, downsizes so neither side exceeds
// maxSize and re-encodes the result. PNG input stays PNG; everything else
// becomes JPEG.
func Prepare(data []byte, maxSize int) (*Prepared, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}

	out := img
	scale := 1.0
	if maxSize > 0 && (width > maxSize || height > maxSize) {
		var newWidth, newHeight int
		if width > height {
			newWidth = maxSize
			newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
		} else {
			newHeight = maxSize
			newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
		}
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		out = resized
		scale = float64(width) / float64(newWidth)
	}

	var buf bytes.Buffer
	if format == "png" {
		err = png.Encode(&buf, out)
	} else {
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: constants.ResizeJPEGQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode prepared image: %w", err)
	}

	return &Prepared{Data: buf.Bytes(), Width: width, Height: height, Scale: scale}, nil
}
