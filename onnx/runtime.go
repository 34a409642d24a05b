package onnx

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/krau/clipworker/config"
	"go.uber.org/zap"
)

var pathOnce sync.Once
var libPath string

// LibPath resolves the ONNX Runtime shared library once: config libonnx,
// then ONNXRUNTIME_LIB, then ONNXRUNTIME_ROOT, then well-known install paths.
func LibPath(logger *zap.Logger) string {
	pathOnce.Do(func() {
		libPath = loadLibPath(config.C().Libonnx)
		if logger == nil {
			return
		}
		if libPath == "" {
			logger.Warn("ONNX Runtime library path could not be determined, relying on the system loader")
		} else {
			logger.Info("using ONNX Runtime library", zap.String("path", libPath))
		}
	})
	return libPath
}

func loadLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	name := libName()
	if name == "" {
		return ""
	}
	var dirs []string
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		dirs = append(dirs,
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"),
		)
	}
	dirs = append(dirs, "onnxlibs", "/usr/local/lib", "/usr/lib", "/opt/homebrew/lib")
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func libName() string {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return ""
	}
}
