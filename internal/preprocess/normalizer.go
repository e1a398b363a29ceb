// Package preprocess turns uploaded image bytes into model input tensors.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/Brownie44l1/malaria-api/internal/model"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage marks errors caused by the uploaded bytes rather than by
// the server.
var ErrInvalidImage = errors.New("invalid image")

// DefaultMaxPixels caps width*height of an upload before it is decoded.
const DefaultMaxPixels = 89478485

// Decode reads any registered image format. The header is checked first so
// that images over maxPixels are rejected without allocating their pixels;
// maxPixels <= 0 uses DefaultMaxPixels. EXIF orientation is not applied.
func Decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d is %d pixels, limit is %d", ErrInvalidImage, cfg.Width, cfg.Height, pixels, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// Normalizer resizes images to a model's input size and scales them to
// [0,1]. It holds no per-call state.
type Normalizer struct {
	spec model.InputSpec
}

func NewNormalizer(spec model.InputSpec) *Normalizer {
	return &Normalizer{spec: spec}
}

func (n *Normalizer) Spec() model.InputSpec {
	return n.spec
}

func (n *Normalizer) Normalize(img image.Image) (model.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return model.Tensor{}, fmt.Errorf("%w: image has no pixels", ErrInvalidImage)
	}

	width, height := n.spec.Width, n.spec.Height
	resized := resize.Resize(uint(width), uint(height), toRGB(img), resize.Lanczos3)

	pic := imaging.Clone(resized)
	if b := pic.Bounds(); b.Dx() != width || b.Dy() != height {
		return model.Tensor{}, fmt.Errorf("%w: resized to %dx%d, want %dx%d", ErrInvalidImage, b.Dx(), b.Dy(), width, height)
	}

	data := make([]float32, n.spec.Size())
	plane := width * height

	for y := 0; y < height; y++ {
		row := pic.Pix[y*pic.Stride:]
		for x := 0; x < width; x++ {
			r := float32(row[x*4]) / 255.0
			g := float32(row[x*4+1]) / 255.0
			b := float32(row[x*4+2]) / 255.0

			pixel := y*width + x
			if n.spec.Layout == model.LayoutNCHW {
				data[pixel] = r
				data[plane+pixel] = g
				data[2*plane+pixel] = b
			} else {
				data[pixel*3] = r
				data[pixel*3+1] = g
				data[pixel*3+2] = b
			}
		}
	}

	return model.Tensor{Shape: n.spec.Shape(), Data: data}, nil
}

// toRGB converts to 8-bit NRGBA and discards alpha without compositing, so
// every pixel keeps its stored colour.
func toRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
