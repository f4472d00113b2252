// Package imaging validates downloaded icon bytes and normalizes them to a
// bounded raster image.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"math"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// ErrRejected marks bytes that are not a usable icon.
var ErrRejected = errors.New("image rejected")

const (
	// DefaultMinBytes filters placeholder responses that are too small to be
	// a real icon.
	DefaultMinBytes = 100
	// DefaultMinDimension rejects tracking pixels at or below this size.
	DefaultMinDimension = 2
)

// Validator accepts or rejects candidate icon bytes.
type Validator struct {
	minBytes     int
	minDimension int
	encode       func(img image.Image) ([]byte, error)
}

// New returns a Validator using the default thresholds.
func New() *Validator {
	return &Validator{
		minBytes:     DefaultMinBytes,
		minDimension: DefaultMinDimension,
		encode:       encodePNG,
	}
}

// Validate returns the bytes to keep for a candidate. Images that already fit
// within maxDimension are returned unchanged; larger ones are scaled down
// preserving aspect ratio and re-encoded as PNG. When re-encoding fails the
// original bytes are accepted.
func (v *Validator) Validate(data []byte, maxDimension int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrRejected)
	}
	if len(data) < v.minBytes {
		return nil, fmt.Errorf("%w: %d bytes is below minimum %d", ErrRejected, len(data), v.minBytes)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrRejected, err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= v.minDimension || h <= v.minDimension {
		return nil, fmt.Errorf("%w: %s image is %dx%d", ErrRejected, format, w, h)
	}
	if maxDimension <= 0 || (w <= maxDimension && h <= maxDimension) {
		return data, nil
	}

	ratio := math.Min(float64(maxDimension)/float64(w), float64(maxDimension)/float64(h))
	nw := max(1, int(math.Round(float64(w)*ratio)))
	nh := max(1, int(math.Round(float64(h)*ratio)))
	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	out, err := v.encode(dst)
	if err != nil {
		return data, nil
	}
	return out, nil
}

// Dimensions decodes only the image header.
func Dimensions(data []byte) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", fmt.Errorf("decode config: %w", err)
	}
	return cfg.Width, cfg.Height, format, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
