package engine

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// DefaultLibraryName is the ONNX Runtime shared library file name for the
// current OS.
func DefaultLibraryName() string {
	return libraryName(runtime.GOOS)
}

func libraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// InitializeRuntime points onnxruntime_go at libPath and creates the global
// environment. Only the first call has any effect; later calls return the
// first result.
func InitializeRuntime(libPath string) error {
	runtimeOnce.Do(func() {
		if libPath == "" {
			libPath = DefaultLibraryName()
		} else if _, err := os.Stat(libPath); err != nil {
			runtimeErr = fmt.Errorf("onnxruntime library not found: %w", err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return runtimeErr
}

// ShutdownRuntime destroys the global environment if it was created.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
