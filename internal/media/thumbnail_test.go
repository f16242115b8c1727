package media_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"harborchat/internal/media"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageThumbnailBoundsLongestEdge(t *testing.T) {
	thumb, err := media.ImageThumbnail(encodePNG(t, 1200, 800))
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if thumb.Width != 1200 || thumb.Height != 800 {
		t.Fatalf("source dimensions lost: %dx%d", thumb.Width, thumb.Height)
	}
	if thumb.ThumbWidth != 300 || thumb.ThumbHeight != 200 {
		t.Fatalf("unexpected thumb size %dx%d", thumb.ThumbWidth, thumb.ThumbHeight)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(thumb.Data))
	if err != nil {
		t.Fatalf("thumbnail is not valid jpeg: %v", err)
	}
	if decoded.Bounds().Dx() != 300 || decoded.Bounds().Dy() != 200 {
		t.Fatalf("encoded size mismatch: %v", decoded.Bounds())
	}
}

func TestImageThumbnailKeepsSmallImages(t *testing.T) {
	thumb, err := media.ImageThumbnail(encodePNG(t, 120, 90))
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if thumb.ThumbWidth != 120 || thumb.ThumbHeight != 90 {
		t.Fatalf("small image should keep its size, got %dx%d", thumb.ThumbWidth, thumb.ThumbHeight)
	}
}

func TestImageThumbnailPortrait(t *testing.T) {
	thumb, err := media.ImageThumbnail(encodePNG(t, 600, 900))
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if thumb.ThumbWidth != 200 || thumb.ThumbHeight != 300 {
		t.Fatalf("unexpected portrait thumb %dx%d", thumb.ThumbWidth, thumb.ThumbHeight)
	}
}

func TestImageThumbnailRejectsGarbage(t *testing.T) {
	if _, err := media.ImageThumbnail([]byte("definitely not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFitWithin(t *testing.T) {
	cases := []struct {
		w, h, bound  int
		wantW, wantH int
	}{
		{1200, 800, 300, 300, 200},
		{800, 1200, 300, 200, 300},
		{300, 300, 300, 300, 300},
		{50, 20, 300, 50, 20},
		{10000, 1, 300, 300, 1},
	}
	for _, tc := range cases {
		gotW, gotH := media.FitWithin(tc.w, tc.h, tc.bound)
		if gotW != tc.wantW || gotH != tc.wantH {
			t.Errorf("FitWithin(%d,%d,%d) = %dx%d, want %dx%d",
				tc.w, tc.h, tc.bound, gotW, gotH, tc.wantW, tc.wantH)
		}
	}
}
