package service

import (
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// DecodeFunc decodes one image stream.
type DecodeFunc func(r io.Reader) (image.Image, error)

// Registry maps file extensions to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
	fallback DecodeFunc
}

func NewRegistry(fallback DecodeFunc) *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc), fallback: fallback}
}

// Register binds ext (with or without the leading dot) to fn.
func (r *Registry) Register(ext string, fn DecodeFunc) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[ext] = fn
}

// Lookup returns the decoder for path, or the fallback for unknown extensions.
func (r *Registry) Lookup(path ImagePath) DecodeFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.decoders[path.Ext()]; ok {
		return fn
	}
	return r.fallback
}

// Extensions lists the registered extensions.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for ext := range r.decoders {
		out = append(out, ext)
	}
	return out
}

// decodeGeneric sniffs the format; every decoder imported here registers itself
// with the image package.
func decodeGeneric(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

func decodeOriented(r io.Reader) (image.Image, error) {
	return imaging.Decode(r, imaging.AutoOrientation(true))
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the registry of every decoder built into the worker.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r := NewRegistry(decodeGeneric)
		r.Register(".jpg", decodeOriented)
		r.Register(".jpeg", decodeOriented)
		r.Register(".png", png.Decode)
		r.Register(".gif", gif.Decode)
		r.Register(".webp", webp.Decode)
		r.Register(".avif", avif.Decode)
		r.Register(".bmp", bmp.Decode)
		r.Register(".tif", tiff.Decode)
		r.Register(".tiff", tiff.Decode)
		defaultRegistry = r
	})
	return defaultRegistry
}

// Decoder is the per-image decode/normalize stage.
type Decoder struct {
	registry  *Registry
	imageSize int
	logger    *zap.Logger
}

func NewDecoder(registry *Registry, imageSize int, logger *zap.Logger) *Decoder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{registry: registry, imageSize: imageSize, logger: logger}
}

func (d *Decoder) ImageSize() int {
	return d.imageSize
}

// Decode reads, decodes and normalizes one image. It never panics and never
// returns an error directly; failures are carried in the result.
func (d *Decoder) Decode(index int, path ImagePath) (res ImageResult) {
	res = ImageResult{Index: index, Path: path}
	defer func() {
		if p := recover(); p != nil {
			res.Image = nil
			res.Err = fmt.Errorf("decoder panic: %v", p)
		}
		if res.Err != nil {
			d.logger.Warn("image decode failed",
				zap.Int("index", index),
				zap.String("path", string(path)),
				zap.Error(res.Err))
		}
	}()

	img, err := d.read(path)
	if err != nil {
		res.Err = err
		return res
	}
	pixels, err := Preprocess(img, d.imageSize)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", path, err)
		return res
	}
	res.Image = &DecodedImage{Pixels: pixels, Size: d.imageSize}
	return res
}

func (d *Decoder) read(path ImagePath) (image.Image, error) {
	f, err := os.Open(string(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := d.registry.Lookup(path)(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
