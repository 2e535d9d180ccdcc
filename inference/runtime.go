package inference

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu   sync.Mutex
	runtimePath string
)

// DefaultLibraryName is the onnxruntime shared library name for the host OS,
// resolved through the dynamic loader search path.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// InitRuntime initialises the process-wide onnxruntime environment once.
// Later calls with a different library path fail.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if libPath == "" {
		libPath = DefaultLibraryName()
	}

	if ort.IsInitialized() {
		if libPath != runtimePath {
			return fmt.Errorf("onnxruntime already initialised from %s", runtimePath)
		}
		return nil
	}

	if strings.ContainsAny(libPath, `/\`) {
		if _, err := os.Stat(libPath); err != nil {
			return fmt.Errorf("onnxruntime library: %w", err)
		}
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	runtimePath = libPath
	return nil
}

// ShutdownRuntime tears down the environment if it was initialised.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	runtimePath = ""
	return ort.DestroyEnvironment()
}
