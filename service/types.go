package service

import (
	"path/filepath"
	"strings"
)

// Channels is the channel count of every decoded tensor (RGB).
const Channels = 3

// ImagePath is a caller-owned filesystem path to an image.
type ImagePath string

// Ext returns the lower-cased extension including the dot, e.g. ".png".
func (p ImagePath) Ext() string {
	return strings.ToLower(filepath.Ext(string(p)))
}

// DecodedImage is a CHW float tensor with values in [0,1].
type DecodedImage struct {
	Pixels []float32
	Size   int
}

// ImageResult is the outcome of decoding one path: Image on success, Err otherwise.
type ImageResult struct {
	Index int
	Path  ImagePath
	Image *DecodedImage
	Err   error
}

func (r ImageResult) OK() bool {
	return r.Err == nil && r.Image != nil
}

// Batch is one ordered slice of a job's images. Failed decodes keep their slot.
type Batch struct {
	Index int
	Items []ImageResult
}

// Succeeded returns the decoded images of the batch in order.
func (b Batch) Succeeded() []*DecodedImage {
	out := make([]*DecodedImage, 0, len(b.Items))
	for _, it := range b.Items {
		if it.OK() {
			out = append(out, it.Image)
		}
	}
	return out
}

// Failed returns the job-absolute indices of items that failed to decode.
func (b Batch) Failed() []int {
	var out []int
	for _, it := range b.Items {
		if !it.OK() {
			out = append(out, it.Index)
		}
	}
	return out
}

// ImageBatch is a stacked [N, C, H, W] tensor handed to an Encoder.
type ImageBatch struct {
	Data []float32
	N    int
	C    int
	H    int
	W    int
}

// Stack packs images of identical shape into one contiguous tensor.
func Stack(images []*DecodedImage) (ImageBatch, error) {
	if len(images) == 0 {
		return ImageBatch{}, ErrEmptyBatch
	}
	size := images[0].Size
	per := Channels * size * size
	data := make([]float32, 0, len(images)*per)
	for i, img := range images {
		if img.Size != size || len(img.Pixels) != per {
			return ImageBatch{}, &ShapeError{Index: i, Got: len(img.Pixels), Want: per}
		}
		data = append(data, img.Pixels...)
	}
	return ImageBatch{Data: data, N: len(images), C: Channels, H: size, W: size}, nil
}

// TokenBatch is a tokenized text batch of shape [N, Length].
type TokenBatch struct {
	IDs    []int64
	Mask   []int64
	N      int
	Length int
}
