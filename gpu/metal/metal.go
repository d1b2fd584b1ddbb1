// Package metal runs the particle kernel through Metal.framework on macOS.
// Other platforms get a stub whose constructor returns ErrUnavailable.
package metal

import "errors"

// ErrUnavailable is returned on builds without Metal support
var ErrUnavailable = errors.New("metal compute is only available on macOS builds with cgo")
