// Package onnx runs the YOLO11 task models through ONNX Runtime.
//
// Session construction and Run are the only pieces touching the native
// runtime; preprocessing and output decoding are pure Go and tested
// without it.
package onnx

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
	runtimeUp   atomic.Bool
)

// EnsureRuntime initializes the ONNX Runtime environment once per
// process. libPath points at the onnxruntime shared library; empty means
// the loader default (ONNXRUNTIME_LIB_PATH or system lookup, resolved by
// the caller's config).
func EnsureRuntime(libPath string) error {
	runtimeOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("onnx: initialize runtime: %w", err)
			return
		}
		runtimeUp.Store(true)
		slog.Info("onnx: runtime initialized", "library", libPath)
	})
	return runtimeErr
}

// ShutdownRuntime destroys the environment. Call once at process exit,
// after every session is closed.
func ShutdownRuntime() error {
	if !runtimeUp.CompareAndSwap(true, false) {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("onnx: destroy runtime: %w", err)
	}
	slog.Debug("onnx: runtime destroyed")
	return nil
}
