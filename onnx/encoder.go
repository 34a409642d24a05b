//go:build cgo

package onnx

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/krau/clipworker/service"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	envOnce sync.Once
	envErr  error
)

// Init loads the shared library and initializes the ONNX Runtime
// environment. Safe to call more than once.
func Init(logger *zap.Logger) error {
	envOnce.Do(func() {
		if p := LibPath(logger); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if ort.IsInitialized() {
			return
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Shutdown releases the ONNX Runtime environment.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Backend loads CLIP encoders exported as a visual/textual ONNX pair.
type Backend struct {
	modelsDir string
	threads   int
	logger    *zap.Logger
}

func NewBackend(modelsDir string, threads int, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{modelsDir: modelsDir, threads: threads, logger: logger}
}

func (b *Backend) AvailableModels() ([]string, error) {
	return AvailableModels(b.modelsDir)
}

func (b *Backend) Load(model, device string) (service.Encoder, error) {
	dev, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}
	dir, err := ModelDir(b.modelsDir, model)
	if err != nil {
		return nil, err
	}
	if err := Init(b.logger); err != nil {
		return nil, fmt.Errorf("initialize ONNX Runtime: %w", err)
	}

	tok, err := LoadTokenizer(dir)
	if err != nil {
		return nil, err
	}
	visual, err := b.openSession(filepath.Join(dir, VisualFile), dev)
	if err != nil {
		return nil, fmt.Errorf("visual encoder: %w", err)
	}
	textual, err := b.openSession(filepath.Join(dir, TextualFile), dev)
	if err != nil {
		visual.destroy()
		return nil, fmt.Errorf("text encoder: %w", err)
	}
	b.logger.Info("model loaded",
		zap.String("model", model),
		zap.String("device", dev.String()),
		zap.String("dir", dir))
	return &Encoder{visual: visual, textual: textual, tokenizer: tok}, nil
}

type session struct {
	s      *ort.DynamicAdvancedSession
	opts   *ort.SessionOptions
	inputs []ort.InputOutputInfo
}

func (b *Backend) openSession(path string, dev Device) (*session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", path)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if b.threads > 0 {
		if err := opts.SetIntraOpNumThreads(b.threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set thread count: %w", err)
		}
	}
	if dev.CUDA {
		if err := appendCUDA(opts, dev.ID); err != nil {
			opts.Destroy()
			return nil, err
		}
	}

	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Name
	}
	s, err := ort.NewDynamicAdvancedSession(path, names, []string{outputs[0].Name}, opts)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("create ONNX Runtime session: %w", err)
	}
	return &session{s: s, opts: opts, inputs: inputs}, nil
}

func appendCUDA(opts *ort.SessionOptions, id int) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("create CUDA provider options: %w", err)
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(id)}); err != nil {
		return fmt.Errorf("set CUDA device %d: %w", id, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return fmt.Errorf("enable CUDA execution provider: %w", err)
	}
	return nil
}

// run feeds inputs to the session and returns the first output as rows.
func (s *session) run(inputs []ort.Value) ([][]float32, error) {
	outputs := []ort.Value{nil}
	if err := s.s.Run(inputs, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor is not float32")
	}
	shape := t.GetShape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("unexpected output shape: %v", shape)
	}
	n, dim := int(shape[0]), int(shape[1])
	data := t.GetData()
	rows := make([][]float32, n)
	for i := range n {
		rows[i] = make([]float32, dim)
		copy(rows[i], data[i*dim:(i+1)*dim])
	}
	return rows, nil
}

func (s *session) destroy() {
	if s.s != nil {
		s.s.Destroy()
		s.s = nil
	}
	if s.opts != nil {
		s.opts.Destroy()
		s.opts = nil
	}
}

// Encoder runs one CLIP model. Calls are serialized.
type Encoder struct {
	mu        sync.Mutex
	visual    *session
	textual   *session
	tokenizer *Tokenizer
}

func (e *Encoder) EncodeImage(ctx context.Context, batch service.ImageBatch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm, err := Normalize(batch)
	if err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(int64(norm.N), int64(norm.C), int64(norm.H), int64(norm.W)), norm.Data)
	if err != nil {
		return nil, fmt.Errorf("create image tensor: %w", err)
	}
	defer input.Destroy()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.visual == nil {
		return nil, fmt.Errorf("encoder is closed")
	}
	rows, err := e.visual.run([]ort.Value{input})
	if err != nil {
		return nil, fmt.Errorf("run visual encoder: %w", err)
	}
	return rows, nil
}

func (e *Encoder) Tokenize(texts []string) (service.TokenBatch, error) {
	return e.tokenizer.Tokenize(texts), nil
}

func (e *Encoder) EncodeText(ctx context.Context, tokens service.TokenBatch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.textual == nil {
		return nil, fmt.Errorf("encoder is closed")
	}

	shape := ort.NewShape(int64(tokens.N), int64(tokens.Length))
	inputs := make([]ort.Value, 0, len(e.textual.inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, info := range e.textual.inputs {
		data := tokens.IDs
		if strings.Contains(strings.ToLower(info.Name), "mask") {
			data = tokens.Mask
		}
		v, err := tokenTensor(shape, data, info.DataType)
		if err != nil {
			return nil, fmt.Errorf("create %s tensor: %w", info.Name, err)
		}
		inputs = append(inputs, v)
	}

	rows, err := e.textual.run(inputs)
	if err != nil {
		return nil, fmt.Errorf("run text encoder: %w", err)
	}
	return rows, nil
}

// tokenTensor builds an int64 or int32 tensor depending on what the model
// declares; CLIP exports use either.
func tokenTensor(shape ort.Shape, data []int64, dt ort.TensorElementDataType) (ort.Value, error) {
	if dt == ort.TensorElementDataTypeInt32 {
		narrow := make([]int32, len(data))
		for i, v := range data {
			narrow[i] = int32(v)
		}
		return ort.NewTensor(shape, narrow)
	}
	return ort.NewTensor(shape, data)
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.visual != nil {
		e.visual.destroy()
		e.visual = nil
	}
	if e.textual != nil {
		e.textual.destroy()
		e.textual = nil
	}
	return nil
}

var (
	_ service.Backend = (*Backend)(nil)
	_ service.Encoder = (*Encoder)(nil)
)
