package service

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBatch       = errors.New("empty image batch")
	ErrUnsupportedDepth = errors.New("unsupported bit depth")
	ErrLoaderConsumed   = errors.New("loader already consumed")
	ErrVectorCount      = errors.New("encoder returned wrong number of vectors")
)

// ShapeError reports an image whose tensor does not match the batch shape.
type ShapeError struct {
	Index int
	Got   int
	Want  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("image %d has wrong size: got %d, expected %d", e.Index, e.Got, e.Want)
}
