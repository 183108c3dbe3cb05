package embedding

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/charsearch/charsearch/engine/domain"
)

var mimeByFormat = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// DetectImage fully decodes data as a raster image with a non-empty
// size and returns its MIME type.
func DetectImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty input", domain.ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return "", fmt.Errorf("%w: %s image has no pixels", domain.ErrDecode, format)
	}
	mime, ok := mimeByFormat[format]
	if !ok {
		return "", fmt.Errorf("%w: unsupported format %q", domain.ErrDecode, format)
	}
	return mime, nil
}
