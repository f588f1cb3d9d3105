package vision

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/verdantstack/verdant-diagnose/internal/models"
)

// NormalizedImage is the canonical classifier input: a Size x Size x 3 tensor
// in NHWC layout with channels scaled to [0,1]. Never mutated after creation.
type NormalizedImage struct {
	Pixels []float32
	Size   int
}

// Normalizer decodes uploaded bytes into the model's input tensor. The
// transform is pure: identical bytes always produce a bit-identical tensor.
type Normalizer struct {
	size     int
	maxBytes int64
}

// NewNormalizer builds a normalizer for a square model input of the given
// edge size, rejecting payloads above maxBytes before any decode work.
func NewNormalizer(size int, maxBytes int64) *Normalizer {
	if size <= 0 {
		size = 160
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Normalizer{size: size, maxBytes: maxBytes}
}

// Normalize validates and decodes raw image bytes into a NormalizedImage.
// The size limit is enforced before decoding so oversized payloads never pay
// decompression cost.
func (n *Normalizer) Normalize(raw []byte, declaredMIME string) (*NormalizedImage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", models.ErrInvalidImage)
	}
	if int64(len(raw)) > n.maxBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds limit %d", models.ErrInvalidImage, len(raw), n.maxBytes)
	}
	if declaredMIME != "" && !strings.HasPrefix(declaredMIME, "image/") {
		return nil, fmt.Errorf("%w: content type %q is not an image", models.ErrInvalidImage, declaredMIME)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: degenerate dimensions %dx%d", models.ErrInvalidImage, bounds.Dx(), bounds.Dy())
	}

	// Aspect-distorting resize straight to the model square keeps the
	// transform deterministic and matches how the model was trained.
	resized := resize.Resize(uint(n.size), uint(n.size), img, resize.Lanczos3)

	pixels := make([]float32, n.size*n.size*3)
	idx := 0
	for y := 0; y < n.size; y++ {
		for x := 0; x < n.size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			pixels[idx] = float32(r) / 65535.0
			pixels[idx+1] = float32(g) / 65535.0
			pixels[idx+2] = float32(b) / 65535.0
			idx += 3
		}
	}

	return &NormalizedImage{Pixels: pixels, Size: n.size}, nil
}
