// Package mmio implements interfaces.Region over a byte slice, giving the
// PQI core volatile-safe register access whether that slice backs a real
// memory-mapped PCI BAR or the anonymous mapping used in tests.
package mmio

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-pqi/pqisop/internal/pqi"
)

// Region implements interfaces.Region over a raw byte slice. Reads and
// writes go through sync/atomic so the compiler can't reorder or coalesce
// them the way it could a plain slice index; this is the same guarantee a
// volatile qualifier gives in C, and it's what lets the link-dead sentinel
// check in LinkDead observe a torn controller write as garbage rather than a
// stale cached value.
type Region struct {
	base []byte
}

// New wraps buf as a Region. buf must remain valid and its backing memory
// fixed for the lifetime of the Region; callers that mmap a device resource
// file must not let buf escape to the GC-movable heap.
func New(buf []byte) *Region {
	return &Region{base: buf}
}

func (r *Region) ptr32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.base[off]))
}

func (r *Region) ptr64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.base[off]))
}

// ReadU32 performs an uncached, unreordered 4-byte load at byte offset off.
func (r *Region) ReadU32(off uintptr) uint32 {
	return atomic.LoadUint32(r.ptr32(off))
}

// ReadU64 performs an uncached, unreordered 8-byte load at byte offset off.
func (r *Region) ReadU64(off uintptr) uint64 {
	return atomic.LoadUint64(r.ptr64(off))
}

// WriteU32 performs an uncached, unreordered 4-byte store at byte offset off.
func (r *Region) WriteU32(off uintptr, v uint32) {
	atomic.StoreUint32(r.ptr32(off), v)
}

// WriteU64 performs an uncached, unreordered 8-byte store at byte offset off.
func (r *Region) WriteU64(off uintptr, v uint64) {
	atomic.StoreUint64(r.ptr64(off), v)
}

// Len returns the mapped region size in bytes.
func (r *Region) Len() int {
	return len(r.base)
}

// Signature reads RegSignature and reports whether it matches the required
// controller signature. A mismatch, including an all-0xff read, means the
// link is dead: the PCI core unplugged the BAR out from under a config-space
// read and every subsequent register access will return ones.
func (r *Region) Signature() (string, bool) {
	if r.Len() < pqi.RegSignature+8 {
		return "", false
	}
	raw := r.base[pqi.RegSignature : pqi.RegSignature+8]
	return string(raw), string(raw) == pqi.Signature
}

// LinkDead reports whether the register file currently reads back as an
// all-ones pattern, the hallmark of a surprise-removed device (§4.8).
func (r *Region) LinkDead() bool {
	return r.ReadU32(pqi.RegDeviceStatus) == 0xffffffff
}
