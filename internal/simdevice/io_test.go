package simdevice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-pqi/pqisop/internal/dma"
	"github.com/go-pqi/pqisop/internal/pqi"
	"github.com/go-pqi/pqisop/internal/queue"
)

const testIODepth = 4

// ioHarness stands up one operational queue pair on top of an adminHarness's
// handshake, issuing the two CreateOperationalQueue admin exchanges a real
// driver would issue for a single pair (§4.4): one for the inbound ring, one
// for the outbound ring, each with its own index buffer.
type ioHarness struct {
	admin *adminHarness
	iq    *queue.DeviceQueue
	oq    *queue.DeviceQueue
}

func newIOHarness(t *testing.T, pairIndex int, elementLength int) *ioHarness {
	t.Helper()
	admin := newAdminHarness(t)
	alloc := dma.NewAllocator()

	iqElements, err := alloc.Alloc(testIODepth * elementLength)
	require.NoError(t, err)
	oqElements, err := alloc.Alloc(testIODepth * pqi.CmdResponseSize)
	require.NoError(t, err)
	iqIdx, err := alloc.Alloc(8)
	require.NoError(t, err)
	oqIdx, err := alloc.Alloc(8)
	require.NoError(t, err)

	toDeviceID := pqi.QueueID(pairIndex, true)
	fromDeviceID := pqi.QueueID(pairIndex, false)

	createReq, err := admin.ch.SubmitAdmin(func(id uint16) []byte {
		return pqi.MarshalCreateOperationalQueueIU(&pqi.CreateOperationalQueueIU{
			Header:           pqi.IUHeader{Type: pqi.IUTypeCreateOperationalQ, Length: pqi.CreateOperationalQueueIUSize - 4, RequestID: id},
			FunctionCode:     pqi.FuncCreateQueueToDevice,
			QueueID:          toDeviceID,
			ElementArrayAddr: iqElements.BusAddr(),
			IndexAddr:        iqIdx.BusAddr(),
			NElements:        uint16(testIODepth),
			ElementLength:    uint16(elementLength / 16),
		})
	})
	require.NoError(t, err)
	require.True(t, queue.WaitAdmin(createReq, time.Second))
	var iqResp pqi.CreateOperationalQueueResponse
	require.NoError(t, pqi.UnmarshalCreateOperationalQueueResponse(createReq.Response, &iqResp))
	admin.ch.FreeRequest(createReq.ID)

	createReq2, err := admin.ch.SubmitAdmin(func(id uint16) []byte {
		return pqi.MarshalCreateOperationalQueueIU(&pqi.CreateOperationalQueueIU{
			Header:           pqi.IUHeader{Type: pqi.IUTypeCreateOperationalQ, Length: pqi.CreateOperationalQueueIUSize - 4, RequestID: id},
			FunctionCode:     pqi.FuncCreateQueueFromDevice,
			QueueID:          fromDeviceID,
			ElementArrayAddr: oqElements.BusAddr(),
			IndexAddr:        oqIdx.BusAddr(),
			NElements:        uint16(testIODepth),
			ElementLength:    uint16(pqi.CmdResponseSize / 16),
		})
	})
	require.NoError(t, err)
	require.True(t, queue.WaitAdmin(createReq2, time.Second))
	var oqResp pqi.CreateOperationalQueueResponse
	require.NoError(t, pqi.UnmarshalCreateOperationalQueueResponse(createReq2.Response, &oqResp))
	admin.ch.FreeRequest(createReq2.ID)

	iq := queue.NewDeviceQueue(queue.DeviceQueueConfig{
		QueueID: toDeviceID, ToDevice: true, ElementLength: elementLength, NElements: testIODepth,
		Elements: iqElements, Index: iqIdx, Region: admin.ctrl.Region(), PIOffset: uintptr(iqResp.IndexOffset),
	})
	oq := queue.NewDeviceQueue(queue.DeviceQueueConfig{
		QueueID: fromDeviceID, ToDevice: false, ElementLength: pqi.CmdResponseSize, NElements: testIODepth,
		Elements: oqElements, Index: oqIdx, Region: admin.ctrl.Region(), CIOffset: uintptr(oqResp.IndexOffset),
	})

	return &ioHarness{admin: admin, iq: iq, oq: oq}
}

func cdbWithLBA(lba uint32) [16]byte {
	var cdb [16]byte
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	return cdb
}

// TestIOWriteThenRead exercises the round-trip law from §8: a write command
// followed by a read at the same LBA returns exactly what was written.
func TestIOWriteThenRead(t *testing.T) {
	h := newIOHarness(t, 1, pqi.LimitedCmdIUSize)
	alloc := dma.NewAllocator()

	payload := []byte("simdevice-roundtrip-payload-0123")
	writeBuf, err := alloc.Alloc(len(payload))
	require.NoError(t, err)
	copy(writeBuf.Bytes(), payload)

	writeIU := &pqi.LimitedCmdIU{
		Header: pqi.IUHeader{Type: pqi.IUTypeLimitedCmd, Length: pqi.LimitedCmdIUSize - 4, QueueID: h.oq.QueueID(), RequestID: 1},
		Flags:  1, // DirToDevice
		CDB:    cdbWithLBA(0),
		SG:     [2]pqi.SglDescriptor{{Address: writeBuf.BusAddr(), Length: uint32(len(payload)), DescriptorType: pqi.SGLTypeStandardLastSeg}},
	}
	require.NoError(t, h.iq.Publish(pqi.MarshalLimitedCmdIU(writeIU)))

	var writeResp []byte
	require.Eventually(t, func() bool {
		elem, ok := h.oq.Dequeue()
		if ok {
			writeResp = elem
		}
		return ok
	}, time.Second, time.Millisecond)

	var wr pqi.CmdResponse
	require.NoError(t, pqi.UnmarshalCmdResponse(writeResp, &wr))
	require.Equal(t, uint32(len(payload)), wr.DataOutXferred)

	readBuf, err := alloc.Alloc(len(payload))
	require.NoError(t, err)
	readIU := &pqi.LimitedCmdIU{
		Header: pqi.IUHeader{Type: pqi.IUTypeLimitedCmd, Length: pqi.LimitedCmdIUSize - 4, QueueID: h.oq.QueueID(), RequestID: 2},
		Flags:  2, // DirFromDevice
		CDB:    cdbWithLBA(0),
		SG:     [2]pqi.SglDescriptor{{Address: readBuf.BusAddr(), Length: uint32(len(payload)), DescriptorType: pqi.SGLTypeStandardLastSeg}},
	}
	require.NoError(t, h.iq.Publish(pqi.MarshalLimitedCmdIU(readIU)))

	var readResp []byte
	require.Eventually(t, func() bool {
		elem, ok := h.oq.Dequeue()
		if ok {
			readResp = elem
		}
		return ok
	}, time.Second, time.Millisecond)

	var rr pqi.CmdResponse
	require.NoError(t, pqi.UnmarshalCmdResponse(readResp, &rr))
	require.Equal(t, uint32(len(payload)), rr.DataInXferred)
	require.Equal(t, payload, readBuf.Bytes())
}

// TestIOChainedSG exercises §8 boundary scenario 6: a write command whose
// segment list overflows the two inline descriptors chains into an overflow
// area, terminated by a StandardLastSeg descriptor.
func TestIOChainedSG(t *testing.T) {
	h := newIOHarness(t, 1, pqi.LimitedCmdIUSize)
	alloc := dma.NewAllocator()

	segA := []byte("AAAAAAAA")
	segB := []byte("BBBBBBBB")
	segC := []byte("CCCCCCCC")

	bufA, err := alloc.Alloc(len(segA))
	require.NoError(t, err)
	copy(bufA.Bytes(), segA)
	bufB, err := alloc.Alloc(len(segB))
	require.NoError(t, err)
	copy(bufB.Bytes(), segB)
	bufC, err := alloc.Alloc(len(segC))
	require.NoError(t, err)
	copy(bufC.Bytes(), segC)

	// Overflow area: two chained descriptors, B then C, C tagged
	// StandardLastSeg to terminate the chain.
	overflow, err := alloc.Alloc(2 * pqi.SglDescriptorSize)
	require.NoError(t, err)
	pqi.PutSglDescriptor(overflow.Bytes()[0:16], pqi.SglDescriptor{
		Address: bufB.BusAddr(), Length: uint32(len(segB)), DescriptorType: pqi.SGLTypeDataBlock,
	})
	pqi.PutSglDescriptor(overflow.Bytes()[16:32], pqi.SglDescriptor{
		Address: bufC.BusAddr(), Length: uint32(len(segC)), DescriptorType: pqi.SGLTypeStandardLastSeg,
	})

	writeIU := &pqi.LimitedCmdIU{
		Header: pqi.IUHeader{Type: pqi.IUTypeLimitedCmd, Length: pqi.LimitedCmdIUSize - 4, QueueID: h.oq.QueueID(), RequestID: 3},
		Flags:  1, // DirToDevice
		CDB:    cdbWithLBA(1),
		SG: [2]pqi.SglDescriptor{
			{Address: bufA.BusAddr(), Length: uint32(len(segA)), DescriptorType: pqi.SGLTypeDataBlock},
			{Address: overflow.BusAddr(), DescriptorType: pqi.SGLTypeChain},
		},
	}
	require.NoError(t, h.iq.Publish(pqi.MarshalLimitedCmdIU(writeIU)))

	var resp []byte
	require.Eventually(t, func() bool {
		elem, ok := h.oq.Dequeue()
		if ok {
			resp = elem
		}
		return ok
	}, time.Second, time.Millisecond)

	var wr pqi.CmdResponse
	require.NoError(t, pqi.UnmarshalCmdResponse(resp, &wr))
	require.Equal(t, uint32(len(segA)+len(segB)+len(segC)), wr.DataOutXferred)

	readBuf, err := alloc.Alloc(len(segA) + len(segB) + len(segC))
	require.NoError(t, err)
	readIU := &pqi.LimitedCmdIU{
		Header: pqi.IUHeader{Type: pqi.IUTypeLimitedCmd, Length: pqi.LimitedCmdIUSize - 4, QueueID: h.oq.QueueID(), RequestID: 4},
		Flags:  2, // DirFromDevice
		CDB:    cdbWithLBA(1),
		SG:     [2]pqi.SglDescriptor{{Address: readBuf.BusAddr(), Length: uint32(len(readBuf.Bytes())), DescriptorType: pqi.SGLTypeStandardLastSeg}},
	}
	require.NoError(t, h.iq.Publish(pqi.MarshalLimitedCmdIU(readIU)))

	require.Eventually(t, func() bool {
		_, ok := h.oq.Dequeue()
		return ok
	}, time.Second, time.Millisecond)

	require.Equal(t, append(append(append([]byte{}, segA...), segB...), segC...), readBuf.Bytes())
}
