package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	VisualFile    = "visual.onnx"
	TextualFile   = "textual.onnx"
	TokenizerFile = "tokenizer.json"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrBadDevice     = errors.New("unsupported device")
)

// DirName maps a model name such as "ViT-L/14" to its directory name.
func DirName(model string) string {
	return strings.ReplaceAll(model, "/", "-")
}

// ModelDir returns the directory holding model under root and checks that
// both encoders and the tokenizer are present.
func ModelDir(root, model string) (string, error) {
	if model == "" {
		return "", fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}
	dir := filepath.Join(root, DirName(model))
	for _, f := range []string{VisualFile, TextualFile, TokenizerFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return "", fmt.Errorf("%w: %s (missing %s in %s)", ErrModelNotFound, model, f, dir)
		}
	}
	return dir, nil
}

// AvailableModels lists the complete model directories under root. Names are
// directory names; "ViT-L-14" loads the same files as "ViT-L/14".
func AvailableModels(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read models dir: %w", err)
	}
	models := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ModelDir(root, e.Name()); err == nil {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)
	return models, nil
}

// Device is a parsed device string: "cpu", "cuda" or "cuda:N".
type Device struct {
	CUDA bool
	ID   int
}

func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "cpu":
		return Device{}, nil
	case s == "cuda":
		return Device{CUDA: true}, nil
	case strings.HasPrefix(s, "cuda:"):
		id, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || id < 0 {
			return Device{}, fmt.Errorf("%w: %q", ErrBadDevice, s)
		}
		return Device{CUDA: true, ID: id}, nil
	default:
		return Device{}, fmt.Errorf("%w: %q", ErrBadDevice, s)
	}
}

func (d Device) String() string {
	if !d.CUDA {
		return "cpu"
	}
	return "cuda:" + strconv.Itoa(d.ID)
}
