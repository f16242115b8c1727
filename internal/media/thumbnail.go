// Package media derives display metadata from uploaded attachments:
// image thumbnails, video posters, and audio durations.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// ThumbnailBound caps the longest edge of a derived thumbnail.
	ThumbnailBound = 300
	// thumbnailQuality is the JPEG quality thumbnails are encoded at.
	thumbnailQuality = 70
)

// Thumbnail is a derived preview plus the source image's dimensions.
type Thumbnail struct {
	Data        []byte
	Width       int
	Height      int
	ThumbWidth  int
	ThumbHeight int
}

// ImageThumbnail decodes an uploaded image and renders a JPEG preview whose
// longest edge is at most ThumbnailBound pixels. Images already inside the
// bound are re-encoded at their native size.
func ImageThumbnail(data []byte) (*Thumbnail, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}
	thumbWidth, thumbHeight := FitWithin(width, height, ThumbnailBound)

	dst := image.NewRGBA(image.Rect(0, 0, thumbWidth, thumbHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return &Thumbnail{
		Data:        buf.Bytes(),
		Width:       width,
		Height:      height,
		ThumbWidth:  thumbWidth,
		ThumbHeight: thumbHeight,
	}, nil
}

// FitWithin scales width x height proportionally so the longest edge is at
// most bound. Dimensions already inside the bound pass through unchanged.
func FitWithin(width, height, bound int) (int, int) {
	if width <= bound && height <= bound {
		return width, height
	}
	if width >= height {
		scaled := height * bound / width
		if scaled < 1 {
			scaled = 1
		}
		return bound, scaled
	}
	scaled := width * bound / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, bound
}
