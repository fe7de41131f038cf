package queue

import (
	"sync"

	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/mmio"
)

// DeviceQueue is one half of a PQI queue pair: a ring of fixed-size elements
// living in DMA-coherent memory, with a producer index and a consumer index
// that the host and the controller take turns owning.
//
// On an inbound (to-device) queue the host owns the producer index and
// advances it after writing an element; the controller owns the consumer
// index and reports it back through host-visible memory. On an outbound
// (from-device) queue the roles swap: the controller writes elements and
// advances the producer index, and the host owns the consumer index,
// publishing it back to the controller via a doorbell so the controller
// knows the slot can be reused.
type DeviceQueue struct {
	mu sync.Mutex

	queueID       uint16
	toDevice      bool
	elementLength int
	nElements     int

	elements interfaces.DMABuffer
	index    interfaces.DMABuffer // producer/consumer index pair, 8 bytes: [pi uint32][ci uint32]

	region   *mmio.Region
	piOffset uintptr // doorbell register offset this queue writes to advance its owned index
	ciOffset uintptr // doorbell register offset an outbound queue writes its consumer index to

	localPI uint32
	localCI uint32
}

// DeviceQueueConfig describes the memory and wiring for one DeviceQueue.
type DeviceQueueConfig struct {
	QueueID       uint16
	ToDevice      bool
	ElementLength int
	NElements     int
	Elements      interfaces.DMABuffer
	Index         interfaces.DMABuffer
	Region        *mmio.Region
	PIOffset      uintptr
	CIOffset      uintptr
}

// NewDeviceQueue wires a DeviceQueue over already-allocated DMA memory.
func NewDeviceQueue(cfg DeviceQueueConfig) *DeviceQueue {
	return &DeviceQueue{
		queueID:       cfg.QueueID,
		toDevice:      cfg.ToDevice,
		elementLength: cfg.ElementLength,
		nElements:     cfg.NElements,
		elements:      cfg.Elements,
		index:         cfg.Index,
		region:        cfg.Region,
		piOffset:      cfg.PIOffset,
		ciOffset:      cfg.CIOffset,
	}
}

// QueueID returns the wire queue id this ring answers to.
func (q *DeviceQueue) QueueID() uint16 { return q.queueID }

// IsFull reports whether the ring has no free element slots, mirroring
// pqi_to_device_queue_is_full: the ring is full when advancing the producer
// index by one would make it equal to the consumer index.
func (q *DeviceQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isFullLocked()
}

func (q *DeviceQueue) isFullLocked() bool {
	next := (q.localPI + 1) % uint32(q.nElements)
	return next == q.peerIndexLocked()
}

// peerIndexLocked reads the index the other side owns.
func (q *DeviceQueue) peerIndexLocked() uint32 {
	if q.toDevice {
		// The controller publishes its consumer index into the index buffer.
		idx := q.index.Bytes()
		return leUint32(idx[4:8])
	}
	// On an outbound queue the controller publishes its producer index.
	idx := q.index.Bytes()
	return leUint32(idx[0:4])
}

// ErrQueueFull is returned by Publish, Submit, and SubmitAdmin when a queue
// pair has no room for another element or request slot. Exported so the
// root package can map it to ErrCodeQueueFull at the Device boundary.
var ErrQueueFull = queueFullError{}

type queueFullError struct{}

func (queueFullError) Error() string { return "pqi: device queue full" }

// freeSlotsLocked returns the number of elements that can be reserved before
// the ring reports full, honoring the one-slot gap that disambiguates full
// from empty.
func (q *DeviceQueue) freeSlotsLocked() int {
	peer := int(q.peerIndexLocked())
	used := (int(q.localPI) - peer + q.nElements) % q.nElements
	return q.nElements - 1 - used
}

// allocElementsLocked reserves n contiguous elements starting at the current
// producer index (alloc_elements(n), §4.1). If the reservation would
// straddle the ring's boundary, the unused tail slots are zero-filled with
// null IUs (type byte 0, which the protocol defines as "ignore this IU") and
// the reservation restarts at index 0, rechecking capacity against
// n + wrap_padding. Returns the starting index of the n reserved elements;
// the local producer index is left pointing at the slot immediately past the
// reservation.
func (q *DeviceQueue) allocElementsLocked(n int) (int, error) {
	start := int(q.localPI)
	padding := 0
	if start+n > q.nElements {
		padding = q.nElements - start
		start = 0
	}

	if q.freeSlotsLocked() < n+padding {
		return 0, ErrQueueFull
	}

	if padding > 0 {
		null := make([]byte, q.elementLength)
		for i := 0; i < padding; i++ {
			copy(q.elementSlice((int(q.localPI)+i)%q.nElements), null)
		}
		q.localPI = 0
	}

	q.localPI = uint32((start + n) % q.nElements)
	return start, nil
}

// PublishN reserves len(elements) contiguous slots via allocElementsLocked,
// writes each element into its reserved slot (wrap-padding any tail
// remainder along the way), then advances the doorbell once for the whole
// batch. The sfence between the element writes and the index update
// guarantees the controller never observes a stale element body for a fresh
// index value.
func (q *DeviceQueue) PublishN(elements [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.toDevice {
		panic("pqi: PublishN called on an outbound queue")
	}
	for _, e := range elements {
		if len(e) != q.elementLength {
			panic("pqi: element size mismatch")
		}
	}
	if len(elements) == 0 {
		return nil
	}

	start, err := q.allocElementsLocked(len(elements))
	if err != nil {
		return err
	}

	for i, e := range elements {
		copy(q.elementSlice((start+i)%q.nElements), e)
	}

	q.notifyLocked()
	return nil
}

// Publish writes one element at the current producer index on an inbound
// queue, advances the index, and notifies the controller via the doorbell
// register. The sfence between the element write and the index update
// guarantees the controller never observes a stale element body for a fresh
// index value.
func (q *DeviceQueue) Publish(element []byte) error {
	return q.PublishN([][]byte{element})
}

// Dequeue returns the next unread element from an outbound queue, if any.
// The caller owns the returned slice only until the next Dequeue call.
func (q *DeviceQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.toDevice {
		panic("pqi: Dequeue called on an inbound queue")
	}

	peerPI := q.peerIndexLocked()
	if peerPI == q.localCI {
		return nil, false
	}

	slot := q.elementSlice(int(q.localCI))
	out := make([]byte, q.elementLength)
	copy(out, slot)

	q.localCI = (q.localCI + 1) % uint32(q.nElements)
	q.notifyLocked()
	return out, true
}

func (q *DeviceQueue) elementSlice(idx int) []byte {
	off := idx * q.elementLength
	return q.elements.Bytes()[off : off+q.elementLength]
}

// notifyLocked publishes the index this side owns: the producer index for an
// inbound queue, the consumer index for an outbound queue. A store fence
// orders the index write after every element write that preceded it.
func (q *DeviceQueue) notifyLocked() {
	idx := q.index.Bytes()
	if q.toDevice {
		putLeUint32(idx[0:4], q.localPI)
	} else {
		putLeUint32(idx[4:8], q.localCI)
	}
	mmio.Sfence()
	if q.region != nil {
		if q.toDevice {
			q.region.WriteU32(q.piOffset, q.localPI)
		} else {
			q.region.WriteU32(q.ciOffset, q.localCI)
		}
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
