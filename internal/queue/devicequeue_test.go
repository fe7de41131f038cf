package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-pqi/pqisop/internal/mmio"
)

// fakeDMABuffer is a plain heap-backed stand-in for interfaces.DMABuffer,
// sufficient for exercising DeviceQueue without a real mmap allocator.
type fakeDMABuffer struct {
	buf []byte
}

func newFakeDMABuffer(size int) *fakeDMABuffer {
	return &fakeDMABuffer{buf: make([]byte, size)}
}

func (f *fakeDMABuffer) Bytes() []byte  { return f.buf }
func (f *fakeDMABuffer) BusAddr() uint64 { return 0 }
func (f *fakeDMABuffer) Free()          {}

const testElementLength = 8

func newTestInboundQueue(t *testing.T, nElements int) (*DeviceQueue, *fakeDMABuffer, *fakeDMABuffer) {
	t.Helper()
	elements := newFakeDMABuffer(nElements * testElementLength)
	idx := newFakeDMABuffer(8)
	region := mmio.New(make([]byte, 0x200))
	q := NewDeviceQueue(DeviceQueueConfig{
		QueueID:       1,
		ToDevice:      true,
		ElementLength: testElementLength,
		NElements:     nElements,
		Elements:      elements,
		Index:         idx,
		Region:        region,
		PIOffset:      0x100,
	})
	return q, elements, idx
}

func setConsumerIndex(idx *fakeDMABuffer, ci uint32) {
	putLeUint32(idx.Bytes()[4:8], ci)
}

func elementAt(buf *fakeDMABuffer, i, elementLength int) []byte {
	off := i * elementLength
	return buf.Bytes()[off : off+elementLength]
}

func markerElement(n byte) []byte {
	e := make([]byte, testElementLength)
	for i := range e {
		e[i] = n
	}
	return e
}

// TestDeviceQueueWrapAround exercises §8 boundary scenario 1 literally:
// configure N=8, submit 6 commands one at a time (indices 0..5), complete 5
// of them, then submit 4 more as a single reservation. The 4-element
// reservation starting at index 6 would straddle the ring boundary (6+4=10 >
// 8), so alloc_elements(n) must zero-fill the two tail slots at indices 6
// and 7 with null IUs and restart the real writes at index 0.
func TestDeviceQueueWrapAround(t *testing.T) {
	q, elements, idx := newTestInboundQueue(t, 8)

	for i := byte(0); i < 6; i++ {
		require.NoError(t, q.Publish(markerElement(i)))
	}
	require.Equal(t, uint32(6), q.localPI)

	// Controller consumes 5 of the 6 published elements.
	setConsumerIndex(idx, 5)

	batch := [][]byte{markerElement(10), markerElement(11), markerElement(12), markerElement(13)}
	require.NoError(t, q.PublishN(batch))
	// Reservation restarts at 0 after wrap-padding; 4 elements lands at 4.
	require.Equal(t, uint32(4), q.localPI)

	null := make([]byte, testElementLength)
	require.Equal(t, null, elementAt(elements, 6, testElementLength))
	require.Equal(t, null, elementAt(elements, 7, testElementLength))

	require.Equal(t, markerElement(10), elementAt(elements, 0, testElementLength))
	require.Equal(t, markerElement(11), elementAt(elements, 1, testElementLength))
	require.Equal(t, markerElement(12), elementAt(elements, 2, testElementLength))
	require.Equal(t, markerElement(13), elementAt(elements, 3, testElementLength))
}

// TestDeviceQueuePublishNSingleElementMatchesPublish exercises the common
// case through the new batch primitive: a 1-element PublishN behaves exactly
// like the existing single-element Publish (no padding ever triggered, since
// a single element never straddles the boundary by itself).
func TestDeviceQueuePublishNSingleElementMatchesPublish(t *testing.T) {
	q, elements, _ := newTestInboundQueue(t, 4)

	require.NoError(t, q.PublishN([][]byte{markerElement(5)}))
	require.Equal(t, uint32(1), q.localPI)
	require.Equal(t, markerElement(5), elementAt(elements, 0, testElementLength))
}

// TestDeviceQueueAllocElementsInsufficientCapacity exercises alloc_elements's
// capacity recheck: a reservation that would fit only after accounting for
// the wrap padding it itself consumes must still fail QueueFull if there
// isn't room for n + wrap_padding.
func TestDeviceQueueAllocElementsInsufficientCapacity(t *testing.T) {
	q, _, idx := newTestInboundQueue(t, 8)

	for i := byte(0); i < 6; i++ {
		require.NoError(t, q.Publish(markerElement(i)))
	}
	// Controller has consumed nothing; only 1 free slot remains (6 used,
	// 1 reserved for the full/empty gap) so a 4-element reservation (which
	// would need 4 real + 2 padding = 6 slots once it restarts at 0) fails.
	setConsumerIndex(idx, 0)

	batch := [][]byte{markerElement(1), markerElement(2), markerElement(3), markerElement(4)}
	err := q.PublishN(batch)
	require.ErrorIs(t, err, ErrQueueFull)
}

// TestDeviceQueueFullRing exercises §8 boundary scenario 2: configure N=4;
// submit 3; the fourth submit must return ErrQueueFull.
func TestDeviceQueueFullRing(t *testing.T) {
	q, _, _ := newTestInboundQueue(t, 4)

	for i := byte(0); i < 3; i++ {
		require.NoError(t, q.Publish(markerElement(i)))
	}

	err := q.Publish(markerElement(9))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestDeviceQueueIsFull(t *testing.T) {
	q, _, idx := newTestInboundQueue(t, 4)

	require.False(t, q.IsFull())
	for i := byte(0); i < 3; i++ {
		require.NoError(t, q.Publish(markerElement(i)))
	}
	require.True(t, q.IsFull())

	setConsumerIndex(idx, 1)
	require.False(t, q.IsFull())
}

func TestDeviceQueuePublishDoorbell(t *testing.T) {
	q, _, _ := newTestInboundQueue(t, 4)
	require.NoError(t, q.Publish(markerElement(1)))
	require.Equal(t, uint32(1), q.region.ReadU32(0x100))
}

func TestDeviceQueueDequeue(t *testing.T) {
	elements := newFakeDMABuffer(4 * testElementLength)
	idx := newFakeDMABuffer(8)
	region := mmio.New(make([]byte, 0x200))
	oq := NewDeviceQueue(DeviceQueueConfig{
		QueueID:       0,
		ToDevice:      false,
		ElementLength: testElementLength,
		NElements:     4,
		Elements:      elements,
		Index:         idx,
		Region:        region,
		CIOffset:      0x104,
	})

	_, ok := oq.Dequeue()
	require.False(t, ok, "empty outbound queue should not dequeue")

	copy(elementAt(elements, 0, testElementLength), markerElement(7))
	putLeUint32(idx.Bytes()[0:4], 1) // controller publishes one element

	elem, ok := oq.Dequeue()
	require.True(t, ok)
	require.Equal(t, markerElement(7), elem)
	require.Equal(t, uint32(1), region.ReadU32(0x104))

	_, ok = oq.Dequeue()
	require.False(t, ok)
}
