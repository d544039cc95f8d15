//go:build !linux || !amd64

package stencil

import "github.com/jeremyhahn/neurlang-sub001/nvm"

func NativeSupported() bool { return false }

// NativeExecutor is unavailable off linux/amd64; the sandbox executor
// covers those platforms.
type NativeExecutor struct{}

func (NativeExecutor) Run(*Compiled, *nvm.Context) error {
	return ErrNativeUnsupported
}
