package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// MockContextLength is the token row length produced by MockEncoder.
const MockContextLength = 16

// MockBackend loads MockEncoders. It needs no model files or native
// libraries, which makes it the backend used by tests and dry runs.
type MockBackend struct {
	Models []string
	// LoadErr, when set, is returned by every Load call.
	LoadErr error
	// Loads records the (model, device) pair of every successful Load.
	Loads [][2]string
	// Last is the encoder returned by the most recent Load.
	Last *MockEncoder
}

func NewMockBackend(models ...string) *MockBackend {
	if len(models) == 0 {
		models = []string{"mock"}
	}
	return &MockBackend{Models: models}
}

func (b *MockBackend) Load(model, device string) (Encoder, error) {
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	b.Loads = append(b.Loads, [2]string{model, device})
	b.Last = NewMockEncoder()
	return b.Last, nil
}

func (b *MockBackend) AvailableModels() ([]string, error) {
	return b.Models, nil
}

// MockEncoder returns deterministic vectors. An image embeds as its per-channel
// mean followed by 1; a text embeds as a unit vector derived from its tokens.
type MockEncoder struct {
	TextDim    int
	ImageCalls int
	TextCalls  int
	Closed     bool
	// ShouldError makes the next encode calls fail with ErrorMessage.
	ShouldError  bool
	ErrorMessage string
}

func NewMockEncoder() *MockEncoder {
	return &MockEncoder{TextDim: 8}
}

func (m *MockEncoder) SetError(msg string) {
	m.ShouldError = true
	m.ErrorMessage = msg
}

func (m *MockEncoder) ClearError() {
	m.ShouldError = false
	m.ErrorMessage = ""
}

func (m *MockEncoder) err() error {
	if m.ErrorMessage != "" {
		return errors.New(m.ErrorMessage)
	}
	return errors.New("mock encoder error")
}

func (m *MockEncoder) EncodeImage(ctx context.Context, batch ImageBatch) ([][]float32, error) {
	m.ImageCalls++
	if m.ShouldError {
		return nil, m.err()
	}
	if batch.N == 0 {
		return nil, ErrEmptyBatch
	}
	plane := batch.H * batch.W
	per := batch.C * plane
	if len(batch.Data) != batch.N*per {
		return nil, fmt.Errorf("batch data has wrong size: got %d, expected %d", len(batch.Data), batch.N*per)
	}

	out := make([][]float32, batch.N)
	for i := range batch.N {
		img := batch.Data[i*per : (i+1)*per]
		vec := make([]float32, batch.C+1)
		for c := range batch.C {
			var sum float64
			for _, v := range img[c*plane : (c+1)*plane] {
				sum += float64(v)
			}
			vec[c] = float32(sum / float64(plane))
		}
		vec[batch.C] = 1
		out[i] = vec
	}
	return out, nil
}

func (m *MockEncoder) Tokenize(texts []string) (TokenBatch, error) {
	tb := TokenBatch{
		IDs:    make([]int64, len(texts)*MockContextLength),
		Mask:   make([]int64, len(texts)*MockContextLength),
		N:      len(texts),
		Length: MockContextLength,
	}
	for i, text := range texts {
		row := tb.IDs[i*MockContextLength : (i+1)*MockContextLength]
		mask := tb.Mask[i*MockContextLength : (i+1)*MockContextLength]
		pos := 0
		for _, word := range strings.Fields(text) {
			if pos >= MockContextLength {
				break
			}
			row[pos] = int64(hashString(word)%49405) + 1
			mask[pos] = 1
			pos++
		}
	}
	return tb, nil
}

func (m *MockEncoder) EncodeText(ctx context.Context, tokens TokenBatch) ([][]float32, error) {
	m.TextCalls++
	if m.ShouldError {
		return nil, m.err()
	}
	out := make([][]float32, tokens.N)
	for i := range tokens.N {
		row := tokens.IDs[i*tokens.Length : (i+1)*tokens.Length]
		h := 0
		for _, id := range row {
			h = 31*h + int(id)
		}
		if h < 0 {
			h = -h
		}
		vec := make([]float32, m.TextDim)
		var sum float64
		for j := range vec {
			vec[j] = float32(math.Sin(float64(h%100003)*float64(j+1))*0.1 + 0.01)
			sum += float64(vec[j] * vec[j])
		}
		norm := float32(1.0 / math.Sqrt(sum))
		for j := range vec {
			vec[j] *= norm
		}
		out[i] = vec
	}
	return out, nil
}

func (m *MockEncoder) Close() error {
	m.Closed = true
	return nil
}

func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

var (
	_ Backend = (*MockBackend)(nil)
	_ Encoder = (*MockEncoder)(nil)
)
