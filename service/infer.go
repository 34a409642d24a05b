package service

import (
	"context"
	"fmt"
	"time"
)

// BatchEmbedding is the encoder output for one Batch. Vectors has one slot
// per batch item; slots of failed decodes are nil.
type BatchEmbedding struct {
	Vectors   [][]float32
	Failed    []int
	Inference time.Duration
}

// EncodeBatch stacks the decoded images of batch, runs the encoder once and
// scatters the vectors back to their original slots.
func EncodeBatch(ctx context.Context, enc Encoder, batch Batch) (BatchEmbedding, error) {
	res := BatchEmbedding{
		Vectors: make([][]float32, len(batch.Items)),
		Failed:  batch.Failed(),
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	images := batch.Succeeded()
	if len(images) == 0 {
		return res, nil
	}
	stacked, err := Stack(images)
	if err != nil {
		return res, err
	}

	start := time.Now()
	vectors, err := enc.EncodeImage(ctx, stacked)
	res.Inference = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("encode image batch %d: %w", batch.Index, err)
	}
	if len(vectors) != len(images) {
		return res, fmt.Errorf("%w: got %d, expected %d", ErrVectorCount, len(vectors), len(images))
	}

	j := 0
	for i, it := range batch.Items {
		if it.OK() {
			res.Vectors[i] = vectors[j]
			j++
		}
	}
	return res, nil
}

// EncodeTexts tokenizes texts and embeds them in a single encoder call.
func EncodeTexts(ctx context.Context, enc Encoder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	tokens, err := enc.Tokenize(texts)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors, err := enc.EncodeText(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrVectorCount, len(vectors), len(texts))
	}
	return vectors, nil
}
