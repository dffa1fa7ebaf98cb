// Package video provides camera access, still-image compression, and the
// periodic frame sampler used in video sessions.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	// Decoders for camera sources that hand out PNG or GIF stills.
	_ "image/gif"
	_ "image/png"
)

// Camera acquisition failures.
var (
	// ErrPermissionDenied means access to the camera was refused.
	ErrPermissionDenied = errors.New("video: permission denied")

	// ErrDeviceNotFound means no camera is available.
	ErrDeviceNotFound = errors.New("video: camera not found")

	// ErrClosed is returned by Snapshot after Close.
	ErrClosed = errors.New("video: camera closed")
)

// Camera is an exclusively held still-image source.
//
// Implementations must be safe for concurrent use. Close must be idempotent.
type Camera interface {
	// Snapshot returns the current frame.
	Snapshot(ctx context.Context) (image.Image, error)

	// Close releases the device.
	Close() error
}

// Opener acquires a camera for one session.
type Opener interface {
	OpenCamera(ctx context.Context) (Camera, error)
}

// EncodeOptions controls [Compress].
type EncodeOptions struct {
	// MaxWidth bounds the output width; taller-than-wide images are bounded
	// on height instead. Zero keeps the original size.
	MaxWidth int

	// Quality is the JPEG quality (1-100). Zero uses 70.
	Quality int
}

// Compress downscales img to fit opts.MaxWidth (preserving aspect ratio) and
// encodes it as JPEG.
func Compress(img image.Image, opts EncodeOptions) ([]byte, error) {
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 70
	}

	scaled := Downscale(img, opts.MaxWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("video: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Downscale returns img shrunk so that its longer side is at most maxSide.
// Images already within bounds are returned unchanged.
func Downscale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) || w == 0 || h == 0 {
		return img
	}

	var dw, dh int
	if w >= h {
		dw, dh = maxSide, max(1, h*maxSide/w)
	} else {
		dw, dh = max(1, w*maxSide/h), maxSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Decode parses an uploaded still (JPEG, PNG, or GIF).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("video: decode image: %w", err)
	}
	return img, nil
}
