// Package imagecodec converts raw camera frames into the PNG blobs the
// inference service expects.
package imagecodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/e7canasta/orion-nav/internal/types"
)

const channels = 3

var (
	// ErrUnsupportedEncoding is returned for pixel encodings other than bgr8/rgb8.
	// Encoding is fixed per deployment, so callers treat it as fatal.
	ErrUnsupportedEncoding = errors.New("unsupported image encoding")

	// ErrPayloadSize is returned when the payload does not match width*height*3.
	ErrPayloadSize = errors.New("image payload size mismatch")
)

// Validate checks that img can be converted to PNG.
func Validate(img types.Image) error {
	switch img.Encoding {
	case types.EncodingBGR8, types.EncodingRGB8:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, img.Encoding)
	}

	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrPayloadSize, img.Width, img.Height)
	}

	want := img.Width * img.Height * channels
	if len(img.Data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %dx%d %s",
			ErrPayloadSize, len(img.Data), want, img.Width, img.Height, img.Encoding)
	}
	return nil
}

// EncodePNG converts a raw bgr8/rgb8 frame to PNG bytes.
func EncodePNG(img types.Image) ([]byte, error) {
	if err := Validate(img); err != nil {
		return nil, err
	}

	rgba := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	bgr := img.Encoding == types.EncodingBGR8

	for i, px := 0, 0; i < len(img.Data); i, px = i+channels, px+4 {
		r, g, b := img.Data[i], img.Data[i+1], img.Data[i+2]
		if bgr {
			r, b = b, r
		}
		rgba.Pix[px] = r
		rgba.Pix[px+1] = g
		rgba.Pix[px+2] = b
		rgba.Pix[px+3] = 0xff
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
