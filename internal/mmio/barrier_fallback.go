//go:build !(linux && cgo)

package mmio

import "sync/atomic"

// Sfence and Mfence fall back to a sync/atomic-backed fence on platforms
// without cgo (notably the test suite running on non-Linux CI). The
// preceding atomic stores in Region already carry acquire/release semantics
// under the Go memory model; this dummy store just gives callers a single
// ordering point to call regardless of build configuration.
var fenceWord int32

func Sfence() {
	atomic.StoreInt32(&fenceWord, atomic.LoadInt32(&fenceWord)+1)
}

func Mfence() {
	atomic.StoreInt32(&fenceWord, atomic.LoadInt32(&fenceWord)+1)
}
