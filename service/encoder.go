package service

import "context"

// Encoder is a loaded embedding model. Implementations are not required to be
// safe for concurrent use; the worker calls them from one goroutine.
type Encoder interface {
	// EncodeImage returns one vector per image in batch, in order.
	EncodeImage(ctx context.Context, batch ImageBatch) ([][]float32, error)
	// Tokenize converts texts into the encoder's token layout.
	Tokenize(texts []string) (TokenBatch, error)
	// EncodeText returns one vector per tokenized row, in order.
	EncodeText(ctx context.Context, tokens TokenBatch) ([][]float32, error)
	Close() error
}

// Backend loads encoders by model name.
type Backend interface {
	Load(model, device string) (Encoder, error)
	AvailableModels() ([]string, error)
}
