//go:build !cgo

package onnx

import (
	"errors"

	"github.com/krau/clipworker/service"
	"go.uber.org/zap"
)

// ErrNoRuntime is returned when the binary was built without cgo.
var ErrNoRuntime = errors.New("ONNX Runtime requires a cgo build")

func Init(logger *zap.Logger) error { return ErrNoRuntime }

func Shutdown() error { return nil }

// Backend lists models but cannot load them without cgo.
type Backend struct {
	modelsDir string
}

func NewBackend(modelsDir string, threads int, logger *zap.Logger) *Backend {
	return &Backend{modelsDir: modelsDir}
}

func (b *Backend) AvailableModels() ([]string, error) {
	return AvailableModels(b.modelsDir)
}

func (b *Backend) Load(model, device string) (service.Encoder, error) {
	return nil, ErrNoRuntime
}

var _ service.Backend = (*Backend)(nil)
