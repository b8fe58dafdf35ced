package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestFromBytes(t *testing.T) {
	gen := NewGenerator(320, 240)

	preview, err := gen.FromBytes(encodePNG(t, 800, 600))
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}

	if preview.MIME != "image/png" {
		t.Errorf("MIME = %q, want image/png", preview.MIME)
	}
	if preview.Width != 800 || preview.Height != 600 {
		t.Errorf("Original dims = %dx%d, want 800x600", preview.Width, preview.Height)
	}

	thumb, err := jpeg.Decode(bytes.NewReader(preview.Thumbnail))
	if err != nil {
		t.Fatalf("Thumbnail is not a decodable JPEG: %v", err)
	}
	bounds := thumb.Bounds()
	if bounds.Dx() != 320 || bounds.Dy() != 240 {
		t.Errorf("Thumbnail dims = %dx%d, want 320x240", bounds.Dx(), bounds.Dy())
	}
}

func TestFromBytesNeverUpscales(t *testing.T) {
	gen := NewGenerator(320, 240)

	preview, err := gen.FromBytes(encodePNG(t, 100, 80))
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}

	thumb, err := jpeg.Decode(bytes.NewReader(preview.Thumbnail))
	if err != nil {
		t.Fatalf("Thumbnail decode failed: %v", err)
	}
	if thumb.Bounds().Dx() != 100 || thumb.Bounds().Dy() != 80 {
		t.Errorf("Small image upscaled to %v", thumb.Bounds())
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	gen := NewGenerator(320, 240)

	if _, err := gen.FromBytes([]byte("not an image")); err == nil {
		t.Error("Garbage payload accepted")
	}
	if _, err := gen.FromBytes(nil); err == nil {
		t.Error("Empty payload accepted")
	}
}

func TestDetectMIME(t *testing.T) {
	if got := DetectMIME(encodePNG(t, 4, 4)); got != "image/png" {
		t.Errorf("DetectMIME = %q, want image/png", got)
	}
}
