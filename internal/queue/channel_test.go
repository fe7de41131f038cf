package queue

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/mmio"
	"github.com/go-pqi/pqisop/internal/pqi"
)

// completionRecord captures everything dispatch hands to a Backend for one
// command, so tests can assert on status/residual/sense/transportErr rather
// than only on which *Command came back.
type completionRecord struct {
	cmd          *interfaces.Command
	status       interfaces.Status
	residual     uint32
	sense        []byte
	transportErr error
}

// fakeBackend records completions in the order the channel delivers them.
type fakeBackend struct {
	mu          sync.Mutex
	completions []completionRecord
}

func (b *fakeBackend) Complete(cmd *interfaces.Command, status interfaces.Status, residual uint32, sense []byte, transportErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completions = append(b.completions, completionRecord{cmd, status, residual, sense, transportErr})
}

func (b *fakeBackend) QueueDepthChanged(depth int) {}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.completions)
}

func (b *fakeBackend) nth(i int) *interfaces.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completions[i].cmd
}

func (b *fakeBackend) record(i int) completionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completions[i]
}

func newTestChannel(t *testing.T, pairIndex, depth int, backend interfaces.Backend) (*Channel, *fakeDMABuffer, *fakeDMABuffer) {
	t.Helper()
	iqElements := newFakeDMABuffer(depth * pqi.LimitedCmdIUSize)
	iqIdx := newFakeDMABuffer(8)
	oqElements := newFakeDMABuffer(depth * pqi.CmdResponseSize)
	oqIdx := newFakeDMABuffer(8)
	region := mmio.New(make([]byte, 0x200))

	iq := NewDeviceQueue(DeviceQueueConfig{
		QueueID: pqi.QueueID(pairIndex, true), ToDevice: true,
		ElementLength: pqi.LimitedCmdIUSize, NElements: depth,
		Elements: iqElements, Index: iqIdx, Region: region, PIOffset: 0x100,
	})
	oq := NewDeviceQueue(DeviceQueueConfig{
		QueueID: pqi.QueueID(pairIndex, false), ToDevice: false,
		ElementLength: pqi.CmdResponseSize, NElements: depth,
		Elements: oqElements, Index: oqIdx, Region: region, CIOffset: 0x104,
	})

	ch := NewChannel(context.Background(), ChannelConfig{
		PairIndex: pairIndex, IQ: iq, OQ: oq, Depth: depth, Backend: backend, CPU: -1,
	})
	return ch, oqElements, oqIdx
}

// postResponse simulates the controller depositing a CmdResponse on an
// outbound queue and ringing the completion path's wakeup.
func postResponse(ch *Channel, oqElements, oqIdx *fakeDMABuffer, slot int, requestID uint16) {
	resp := pqi.MarshalCmdResponse(&pqi.CmdResponse{
		Header: pqi.IUHeader{
			Type:      pqi.IUTypeCmdResponse,
			Length:    pqi.CmdResponseSize - 4,
			RequestID: requestID,
		},
		Status: 0,
	})
	copy(elementAt(oqElements, slot, pqi.CmdResponseSize), resp)
	putLeUint32(oqIdx.Bytes()[0:4], uint32(slot+1))
	ch.Notify()
}

// TestChannelOutOfOrderCompletion exercises §8 boundary scenario 4: two
// queue pairs, submit A on pair 1 and B on pair 2, deliver B's response
// first; B must complete before A, and A must still complete correctly.
func TestChannelOutOfOrderCompletion(t *testing.T) {
	backendA := &fakeBackend{}
	backendB := &fakeBackend{}
	chA, oqElementsA, oqIdxA := newTestChannel(t, 1, 4, backendA)
	chB, oqElementsB, oqIdxB := newTestChannel(t, 2, 4, backendB)
	chA.Start()
	chB.Start()
	defer chA.Stop()
	defer chB.Stop()

	cmdA := &interfaces.Command{Handle: "A"}
	cmdB := &interfaces.Command{Handle: "B"}
	require.NoError(t, chA.Submit(cmdA))
	require.NoError(t, chB.Submit(cmdB))

	// Deliver B's completion first.
	postResponse(chB, oqElementsB, oqIdxB, 0, 0)
	require.Eventually(t, func() bool { return backendB.count() == 1 }, time.Second, time.Millisecond)

	// A has not completed yet.
	require.Equal(t, 0, backendA.count())

	postResponse(chA, oqElementsA, oqIdxA, 0, 0)
	require.Eventually(t, func() bool { return backendA.count() == 1 }, time.Second, time.Millisecond)

	require.Equal(t, cmdB, backendB.nth(0))
	require.Equal(t, cmdA, backendA.nth(0))
}

// TestChannelMultiElementResponse exercises §8 boundary scenario 5:
// element size 16, a response IU whose declared length is 48 must
// accumulate three elements before the waiter is signaled, and must not
// signal after only one or two.
func TestChannelMultiElementResponse(t *testing.T) {
	const elementLength = 16
	const depth = 4

	iqElements := newFakeDMABuffer(depth * elementLength)
	iqIdx := newFakeDMABuffer(8)
	oqElements := newFakeDMABuffer(depth * elementLength)
	oqIdx := newFakeDMABuffer(8)
	region := mmio.New(make([]byte, 0x200))

	iq := NewDeviceQueue(DeviceQueueConfig{
		QueueID: 1, ToDevice: true, ElementLength: elementLength, NElements: depth,
		Elements: iqElements, Index: iqIdx, Region: region, PIOffset: 0x100,
	})
	oq := NewDeviceQueue(DeviceQueueConfig{
		QueueID: 0, ToDevice: false, ElementLength: elementLength, NElements: depth,
		Elements: oqElements, Index: oqIdx, Region: region, CIOffset: 0x104,
	})
	ch := NewChannel(context.Background(), ChannelConfig{PairIndex: 0, IQ: iq, OQ: oq, Depth: depth, CPU: -1})
	ch.Start()
	defer ch.Stop()

	req, err := ch.SubmitAdmin(func(id uint16) []byte { return make([]byte, elementLength) })
	require.NoError(t, err)

	elem0 := make([]byte, elementLength)
	elem0[0] = 0x30 // arbitrary IU type
	binary.LittleEndian.PutUint16(elem0[2:4], 44) // declared length 44 -> total 48
	binary.LittleEndian.PutUint16(elem0[8:10], req.ID)

	copy(elementAt(oqElements, 0, elementLength), elem0)
	putLeUint32(oqIdx.Bytes()[0:4], 1)
	ch.Notify()

	require.Never(t, func() bool { return isClosed(req.Done) }, 50*time.Millisecond, 5*time.Millisecond)

	copy(elementAt(oqElements, 1, elementLength), make([]byte, elementLength))
	putLeUint32(oqIdx.Bytes()[0:4], 2)
	ch.Notify()

	require.Never(t, func() bool { return isClosed(req.Done) }, 50*time.Millisecond, 5*time.Millisecond)

	copy(elementAt(oqElements, 2, elementLength), make([]byte, elementLength))
	putLeUint32(oqIdx.Bytes()[0:4], 3)
	ch.Notify()

	require.Eventually(t, func() bool { return isClosed(req.Done) }, time.Second, time.Millisecond)
	require.Len(t, req.Response, 48)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestChannelSubmitQueueFull(t *testing.T) {
	ch, _, _ := newTestChannel(t, 1, 2, &fakeBackend{})
	require.NoError(t, ch.Submit(&interfaces.Command{}))
	err := ch.Submit(&interfaces.Command{})
	require.ErrorIs(t, err, ErrQueueFull)
}
