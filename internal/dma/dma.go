// Package dma provides a host-process stand-in for coherent DMA memory: an
// anonymous, page-aligned mmap per allocation. A real deployment behind VFIO
// would pin the same memory through the IOMMU and hand back an actual bus
// address; here the "bus address" is just the allocation's own virtual
// address, which is a legitimate simplification since internal/simdevice is
// the only thing ever on the other end of it (§1's DMAAllocator seam).
package dma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-pqi/pqisop/internal/interfaces"
)

// Allocator implements interfaces.DMAAllocator over anonymous mmap regions.
type Allocator struct{}

// NewAllocator returns a DMAAllocator backed by anonymous mmap.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Alloc maps size bytes of zeroed, page-aligned memory.
func (a *Allocator) Alloc(size int) (interfaces.DMABuffer, error) {
	if size <= 0 {
		size = 1
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap failed: %w", err)
	}
	return &buffer{mem: buf}, nil
}

var _ interfaces.DMAAllocator = (*Allocator)(nil)

type buffer struct {
	mem []byte
}

// Bytes returns the host-addressable view of the buffer.
func (b *buffer) Bytes() []byte { return b.mem }

// BusAddr reports the buffer's own virtual address as its bus address: valid
// only because internal/simdevice dereferences it the same way the host
// does, never through a real IOMMU mapping.
func (b *buffer) BusAddr() uint64 {
	if len(b.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b.mem[0])))
}

// Free unmaps the buffer. Safe to call once; a second call is a caller bug,
// matching the teacher's single-shot Close semantics elsewhere.
func (b *buffer) Free() {
	if b.mem != nil {
		unix.Munmap(b.mem)
		b.mem = nil
	}
}

var _ interfaces.DMABuffer = (*buffer)(nil)

// BytesAt reconstructs a []byte view over a bus address returned by
// Allocator.BusAddr, given the length the caller knows it was allocated
// with. Only internal/simdevice calls this: a real controller has no
// process address space to reach back into, but the simulator runs in the
// same process as the host it's answering, so it can dereference the
// "bus address" directly the way hardware would dereference a DMA
// descriptor after an IOMMU translation.
func BytesAt(addr uint64, length int) []byte {
	if addr == 0 || length <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
