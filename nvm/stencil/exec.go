package stencil

import (
	"errors"

	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// ErrNativeUnsupported is returned by the native executor on platforms
// other than linux/amd64.
var ErrNativeUnsupported = errors.New("native execution requires linux/amd64")

// Executor runs compiled code against a context and folds the resulting
// frame back into it.
type Executor interface {
	Run(c *Compiled, ctx *nvm.Context) error
}

const pageSize = 0x1000

func pageAlign(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
