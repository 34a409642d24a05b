package service

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type LoaderOption func(*Loader)

// WithWorkers bounds the number of parallel decode lanes. n <= 0 means one
// lane per CPU.
func WithWorkers(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.workers = n
		}
	}
}

// Loader turns a path list into ordered batches of decoded images.
type Loader struct {
	paths     []ImagePath
	batchSize int
	workers   int
	decoder   *Decoder
	consumed  atomic.Bool
}

func NewLoader(paths []ImagePath, batchSize int, decoder *Decoder, opts ...LoaderOption) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	l := &Loader{
		paths:     paths,
		batchSize: batchSize,
		workers:   runtime.NumCPU(),
		decoder:   decoder,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NumBatches is ceil(len(paths) / batchSize).
func (l *Loader) NumBatches() int {
	return (len(l.paths) + l.batchSize - 1) / l.batchSize
}

// Batches starts decoding and returns the batch stream. The stream is closed
// after the last batch or when ctx is done; callers that stop reading early
// must cancel ctx. A Loader can be consumed once.
func (l *Loader) Batches(ctx context.Context) (<-chan Batch, error) {
	if !l.consumed.CompareAndSwap(false, true) {
		return nil, ErrLoaderConsumed
	}
	// One buffered batch: the next batch decodes while the current one encodes.
	out := make(chan Batch, 1)
	go func() {
		defer close(out)
		for i := range l.NumBatches() {
			if ctx.Err() != nil {
				return
			}
			batch, err := l.decodeBatch(ctx, i)
			if err != nil {
				return
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// decodeBatch fans the batch out over the decode lanes. Each lane writes only
// its own slot, so assembly order is the path order whatever finishes first.
// A batch cut short by ctx is returned with ctx's error and must be dropped.
func (l *Loader) decodeBatch(ctx context.Context, index int) (Batch, error) {
	start := index * l.batchSize
	end := min(start+l.batchSize, len(l.paths))
	items := make([]ImageResult, end-start)

	var g errgroup.Group
	g.SetLimit(l.workers)
	for i := start; i < end; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			items[i-start] = l.decoder.Decode(i, l.paths[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{Index: index, Items: items}, nil
}
