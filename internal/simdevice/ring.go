package simdevice

import "encoding/binary"

// deviceRing is the controller-side mirror of queue.DeviceQueue: the same
// ring, viewed from the other end. consumes rings (operational/admin IQ)
// read the host-owned index at idx[0:4] and publish their own at idx[4:8];
// producing rings (operational/admin OQ) do the reverse. Both sides read
// and write the same DMA-backed memory, since internal/dma hands back the
// allocation's real virtual address as its "bus address" and this
// simulator runs in the same process as the host.
type deviceRing struct {
	elements      []byte
	elementLength int
	nElements     int
	idx           []byte
	consumes      bool
	local         uint32
}

func newDeviceRing(elements, idx []byte, elementLength, nElements int, consumes bool) *deviceRing {
	return &deviceRing{
		elements:      elements,
		elementLength: elementLength,
		nElements:     nElements,
		idx:           idx,
		consumes:      consumes,
	}
}

func (r *deviceRing) peerIndex() uint32 {
	if r.consumes {
		return binary.LittleEndian.Uint32(r.idx[0:4])
	}
	return binary.LittleEndian.Uint32(r.idx[4:8])
}

func (r *deviceRing) publishLocal() {
	if r.consumes {
		binary.LittleEndian.PutUint32(r.idx[4:8], r.local)
	} else {
		binary.LittleEndian.PutUint32(r.idx[0:4], r.local)
	}
}

// hasWork reports whether a consuming ring has an unread element.
func (r *deviceRing) hasWork() bool {
	return r.consumes && r.peerIndex() != r.local
}

// isFull reports whether a producing ring has no room for another element,
// mirroring DeviceQueue.isFullLocked from the opposite side.
func (r *deviceRing) isFull() bool {
	next := (r.local + 1) % uint32(r.nElements)
	return next == r.peerIndex()
}

// pop returns the next unread element on a consuming ring and advances the
// device's own index.
func (r *deviceRing) pop() []byte {
	off := int(r.local) * r.elementLength
	elem := make([]byte, r.elementLength)
	copy(elem, r.elements[off:off+r.elementLength])
	r.local = (r.local + 1) % uint32(r.nElements)
	r.publishLocal()
	return elem
}

// push writes elem at the current producer slot on a producing ring and
// advances the device's own index. Callers must check isFull first; a full
// ring silently drops the element, mirroring a real controller that would
// stall rather than corrupt the ring.
func (r *deviceRing) push(elem []byte) bool {
	if r.isFull() {
		return false
	}
	off := int(r.local) * r.elementLength
	copy(r.elements[off:off+r.elementLength], elem)
	r.local = (r.local + 1) % uint32(r.nElements)
	r.publishLocal()
	return true
}
