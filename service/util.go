package service

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// BitDepth is the integer sample depth of a decoded source image.
type BitDepth int

const (
	DepthUnsupported BitDepth = iota
	Depth8
	Depth16
)

func (d BitDepth) String() string {
	switch d {
	case Depth8:
		return "8-bit"
	case Depth16:
		return "16-bit"
	default:
		return "unsupported"
	}
}

// Scale is the divisor mapping integer samples onto [0,1].
func (d BitDepth) Scale() float32 {
	switch d {
	case Depth8:
		return 255.0
	case Depth16:
		return 65535.0
	default:
		return 0
	}
}

// DepthOf classifies the sample depth of img by its concrete type.
func DepthOf(img image.Image) BitDepth {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.Gray, *image.YCbCr, *image.NYCbCrA,
		*image.Paletted, *image.CMYK, *image.Alpha:
		return Depth8
	case *image.RGBA64, *image.NRGBA64, *image.Gray16, *image.Alpha16:
		return Depth16
	default:
		return DepthUnsupported
	}
}

// ResizeDims scales the shorter edge of a w×h image to size, keeping aspect.
func ResizeDims(w, h, size int) (int, int) {
	if w <= h {
		return size, int(float64(size) * float64(h) / float64(w))
	}
	return int(float64(size) * float64(w) / float64(h)), size
}

// prepare image for model input: bicubic shorter-edge resize, center crop to
// size×size, then a CHW float tensor scaled to [0,1] by source bit depth.
func Preprocess(img image.Image, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", size)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}
	rw, rh := ResizeDims(w, h, size)

	switch depth := DepthOf(img); depth {
	case Depth8:
		img = imaging.Resize(img, rw, rh, imaging.CatmullRom)
		cropped := imaging.CropCenter(img, size, size)
		return planar8(cropped, size), nil
	case Depth16:
		// imaging works in 8-bit NRGBA, so 16-bit sources resize through x/image.
		resized := image.NewNRGBA64(image.Rect(0, 0, rw, rh))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)
		x0, y0 := (rw-size)/2, (rh-size)/2
		cropped := resized.SubImage(image.Rect(x0, y0, x0+size, y0+size)).(*image.NRGBA64)
		return planar16(cropped, size), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedDepth, img)
	}
}

// Go images are addressed (x, y); the tensor is written (c, y, x).
func planar8(img *image.NRGBA, size int) []float32 {
	out := make([]float32, Channels*size*size)
	scale := Depth8.Scale()
	rBase := 0
	gBase := size * size
	bBase := 2 * size * size

	origin := img.Bounds().Min
	for y := range size {
		for x := range size {
			p := img.Pix[img.PixOffset(origin.X+x, origin.Y+y):]
			out[rBase] = float32(p[0]) / scale
			out[gBase] = float32(p[1]) / scale
			out[bBase] = float32(p[2]) / scale

			rBase++
			gBase++
			bBase++
		}
	}
	return out
}

func planar16(img *image.NRGBA64, size int) []float32 {
	out := make([]float32, Channels*size*size)
	scale := Depth16.Scale()
	rBase := 0
	gBase := size * size
	bBase := 2 * size * size

	origin := img.Bounds().Min
	for y := range size {
		for x := range size {
			p := img.Pix[img.PixOffset(origin.X+x, origin.Y+y):]
			out[rBase] = float32(uint16(p[0])<<8|uint16(p[1])) / scale
			out[gBase] = float32(uint16(p[2])<<8|uint16(p[3])) / scale
			out[bBase] = float32(uint16(p[4])<<8|uint16(p[5])) / scale

			rBase++
			gBase++
			bBase++
		}
	}
	return out
}
