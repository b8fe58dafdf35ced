// Package media provides optimistic preview generation for captured photos.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// Preview is the locally generated stand-in shown in the UI before the photo
// upload resolves.
type Preview struct {
	MIME      string // detected content type of the original capture
	Width     int
	Height    int
	Thumbnail []byte // JPEG-encoded downscaled preview
}

// Generator produces previews from captured photo bytes.
type Generator struct {
	maxWidth  int
	maxHeight int
	quality   int
}

// NewGenerator creates a preview generator with the given bounding box.
func NewGenerator(maxWidth, maxHeight int) *Generator {
	return &Generator{
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
		quality:   80,
	}
}

// FromBytes decodes a captured photo and produces a downscaled JPEG preview.
// Supported inputs: JPEG, PNG, GIF, WebP.
func (g *Generator) FromBytes(data []byte) (*Preview, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty photo payload")
	}

	mime := mimetype.Detect(data)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode photo (%s): %w", mime.String(), err)
	}

	bounds := img.Bounds()

	// Fit preserves aspect ratio and never upscales
	thumb := imaging.Fit(img, g.maxWidth, g.maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: g.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	return &Preview{
		MIME:      mime.String(),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Thumbnail: buf.Bytes(),
	}, nil
}

// DetectMIME returns the detected content type of a payload without decoding
// it, used when building the upload request.
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}
