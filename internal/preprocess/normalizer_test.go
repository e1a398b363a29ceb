package preprocess

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/Brownie44l1/malaria-api/internal/model"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNormalizeShapeMatchesModel(t *testing.T) {
	specs := []model.InputSpec{
		{Height: 64, Width: 64, Channels: 3, Layout: model.LayoutNHWC},
		{Height: 50, Width: 80, Channels: 3, Layout: model.LayoutNHWC},
		{Height: 32, Width: 48, Channels: 3, Layout: model.LayoutNCHW},
	}
	sizes := [][2]int{{1, 1}, {13, 200}, {64, 64}, {640, 480}, {3, 7}}

	for _, spec := range specs {
		n := NewNormalizer(spec)
		for _, sz := range sizes {
			tensor, err := n.Normalize(solidImage(sz[0], sz[1], color.RGBA{200, 100, 50, 255}))
			if err != nil {
				t.Fatalf("spec %+v, image %dx%d: %v", spec, sz[0], sz[1], err)
			}
			want := spec.Shape()
			if len(tensor.Shape) != 4 {
				t.Fatalf("shape rank = %d", len(tensor.Shape))
			}
			for i := range want {
				if tensor.Shape[i] != want[i] {
					t.Fatalf("spec %+v, image %dx%d: shape %v, want %v", spec, sz[0], sz[1], tensor.Shape, want)
				}
			}
			if len(tensor.Data) != spec.Size() {
				t.Fatalf("data length %d, want %d", len(tensor.Data), spec.Size())
			}
		}
	}
}

func TestNormalizeScalesToUnitRange(t *testing.T) {
	n := NewNormalizer(model.InputSpec{Height: 8, Width: 8, Channels: 3, Layout: model.LayoutNHWC})
	tensor, err := n.Normalize(solidImage(20, 20, color.RGBA{255, 0, 51, 255}))
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range tensor.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %d = %f out of [0,1]", i, v)
		}
	}

	// Interleaved channels for NHWC.
	r, g, b := tensor.Data[0], tensor.Data[1], tensor.Data[2]
	if r != 1 || g != 0 || b != 0.2 {
		t.Fatalf("first pixel = (%f, %f, %f), want (1, 0, 0.2)", r, g, b)
	}
}

func TestNormalizeChannelFirstPlanes(t *testing.T) {
	spec := model.InputSpec{Height: 4, Width: 6, Channels: 3, Layout: model.LayoutNCHW}
	tensor, err := NewNormalizer(spec).Normalize(solidImage(12, 8, color.RGBA{0, 255, 0, 255}))
	if err != nil {
		t.Fatal(err)
	}

	plane := spec.Width * spec.Height
	for i := 0; i < plane; i++ {
		if tensor.Data[i] != 0 || tensor.Data[plane+i] != 1 || tensor.Data[2*plane+i] != 0 {
			t.Fatalf("pixel %d = (%f, %f, %f), want pure green", i,
				tensor.Data[i], tensor.Data[plane+i], tensor.Data[2*plane+i])
		}
	}
}

func TestNormalizeDropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 0, 0, 255, 0
	}

	tensor, err := NewNormalizer(model.InputSpec{Height: 5, Width: 5, Channels: 3, Layout: model.LayoutNHWC}).Normalize(img)
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Data[2] != 1 {
		t.Fatalf("blue = %f, want 1 for a fully transparent blue pixel", tensor.Data[2])
	}
}

func TestNormalizeGrayscaleExpandsToRGB(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 102
	}

	tensor, err := NewNormalizer(model.InputSpec{Height: 4, Width: 4, Channels: 3, Layout: model.LayoutNHWC}).Normalize(img)
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Data[0] != tensor.Data[1] || tensor.Data[1] != tensor.Data[2] {
		t.Fatalf("gray pixel expanded to (%f, %f, %f)", tensor.Data[0], tensor.Data[1], tensor.Data[2])
	}
}

func TestNormalizeEmptyImage(t *testing.T) {
	n := NewNormalizer(model.InputSpec{Height: 4, Width: 4, Channels: 3, Layout: model.LayoutNHWC})
	_, err := n.Normalize(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
}

func TestDecode(t *testing.T) {
	src := solidImage(30, 20, color.RGBA{10, 20, 30, 255})

	for name, data := range map[string][]byte{
		"png":  encodePNG(t, src),
		"jpeg": encodeJPEG(t, src),
	} {
		img, err := Decode(data, 0)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if b := img.Bounds(); b.Dx() != 30 || b.Dy() != 20 {
			t.Fatalf("%s: bounds %v", name, b)
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	jpg := encodeJPEG(t, solidImage(64, 64, color.RGBA{1, 2, 3, 255}))

	cases := map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not an image"),
		"truncated": jpg[:len(jpg)/3],
	}
	for name, data := range cases {
		if _, err := Decode(data, 0); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("%s: err = %v, want ErrInvalidImage", name, err)
		}
	}
}

// pngHeader is a PNG signature and IHDR chunk declaring a w x h 8-bit gray
// image, with no pixel data following.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 0 // grayscale

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeRejectsTooManyPixels(t *testing.T) {
	_, err := Decode(pngHeader(60000, 60000), 0)
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
	if !strings.Contains(err.Error(), "limit is") {
		t.Fatalf("rejected for the wrong reason: %v", err)
	}

	small := encodePNG(t, solidImage(20, 20, color.RGBA{9, 9, 9, 255}))
	if _, err := Decode(small, 399); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("20x20 under a 399 pixel cap: err = %v", err)
	}
	if _, err := Decode(small, 400); err != nil {
		t.Fatalf("20x20 under a 400 pixel cap: %v", err)
	}
}

// exifOrientedJPEG inserts an APP1 segment with the given EXIF orientation
// right after the SOI marker.
func exifOrientedJPEG(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	jpg := encodeJPEG(t, img)

	var exif bytes.Buffer
	exif.WriteString("Exif\x00\x00")
	exif.WriteString("MM\x00\x2a")
	binary.Write(&exif, binary.BigEndian, uint32(8))
	binary.Write(&exif, binary.BigEndian, uint16(1))
	binary.Write(&exif, binary.BigEndian, []uint16{0x0112, 3})
	binary.Write(&exif, binary.BigEndian, uint32(1))
	binary.Write(&exif, binary.BigEndian, []uint16{orientation, 0})
	binary.Write(&exif, binary.BigEndian, uint32(0))

	var out bytes.Buffer
	out.Write(jpg[:2])
	out.Write([]byte{0xff, 0xe1})
	binary.Write(&out, binary.BigEndian, uint16(exif.Len()+2))
	out.Write(exif.Bytes())
	out.Write(jpg[2:])
	return out.Bytes()
}

func TestDecodeIgnoresExifOrientation(t *testing.T) {
	data := exifOrientedJPEG(t, solidImage(30, 20, color.RGBA{10, 20, 30, 255}), 6)

	img, err := Decode(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 30 || b.Dy() != 20 {
		t.Fatalf("bounds %v, want 30x20 as stored", b)
	}
}
