package service

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) ImagePath {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return ImagePath(path)
}

func writeFile(t *testing.T, dir, name string, data []byte) ImagePath {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return ImagePath(path)
}

// channelMean averages one channel plane of a CHW tensor.
func channelMean(pixels []float32, size, c int) float32 {
	plane := size * size
	var sum float32
	for _, v := range pixels[c*plane : (c+1)*plane] {
		sum += v
	}
	return sum / float32(plane)
}
