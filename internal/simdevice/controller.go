// Package simdevice implements a minimal in-process PQI controller: it owns
// simulated MMIO registers, answers the admin reset/create/delete/report-
// capability handshake, and echoes I/O IUs back through the same
// ring/doorbell protocol the real driver speaks. Grounded on the teacher's
// backend/mem.go (an in-RAM backend the rest of the stack talks to exactly
// like a real block device) for the data store, and on sop.c's admin/IO IU
// handling for the register sequencing.
package simdevice

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-pqi/pqisop/internal/dma"
	"github.com/go-pqi/pqisop/internal/mmio"
	"github.com/go-pqi/pqisop/internal/pqi"
)

const regFileSize = 64 * 1024

// doorbellBase is where the simulator starts handing out per-queue
// doorbell offsets; real hardware would document these, but the spec
// leaves operational queue doorbell placement to the controller, reported
// back through CreateOperationalQueueResponse.IndexOffset.
const doorbellBase = 0x100

// Controller is a simulated PQI controller. Construct with NewController,
// wire a notifier per queue pair with RegisterNotifier, then call Start.
type Controller struct {
	regBuf []byte
	region *mmio.Region
	store  *memory

	mu           sync.Mutex
	notifiers    map[int]func()
	resetSeen    bool
	adminCreated bool
	adminDeleted bool

	adminIQ *deviceRing
	adminOQ *deviceRing

	ioQueues   map[uint16]*ioQueue // by wire queue id
	nextDoorbellOff uintptr

	caps pqi.DeviceCapabilities

	stopCh  chan struct{}
	stopped chan struct{}

	linkLost bool
}

type ioQueue struct {
	pairIndex int
	ring      *deviceRing
	toDevice  bool
}

// Config configures a simulated controller's backing store size. The
// reported capabilities are fixed by NewController and are not configurable.
type Config struct {
	StoreSize int64 // bytes of simulated block storage; 0 defaults to 16MB
}

// NewController allocates the simulated register file and returns a
// Controller in the pre-reset state. Call Region to get the *mmio.Region to
// hand to internal/ctrl.Config.
func NewController(cfg Config) *Controller {
	size := cfg.StoreSize
	if size <= 0 {
		size = 16 << 20
	}
	regBuf := make([]byte, regFileSize)
	copy(regBuf[pqi.RegSignature:pqi.RegSignature+8], pqi.Signature)

	c := &Controller{
		regBuf:          regBuf,
		region:          mmio.New(regBuf),
		store:           newMemory(size),
		notifiers:       make(map[int]func()),
		ioQueues:        make(map[uint16]*ioQueue),
		nextDoorbellOff: doorbellBase,
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
		caps: pqi.DeviceCapabilities{
			Length:             pqi.DeviceCapabilitiesSize,
			MaxIQs:              64,
			MaxIQElements:       1024,
			MaxIQElementLength:  1024,
			MinIQElementLength:  16,
			MaxOQs:              64,
			MaxOQElements:       1024,
			MaxOQElementLength:  1024,
			MinOQElementLength:  16,
			IQAlignmentExponent: 12,
			OQAlignmentExponent: 12,
		},
	}
	return c
}

// Region returns the simulated register file, for wiring into
// internal/ctrl.Config.Region.
func (c *Controller) Region() *mmio.Region { return c.region }

// RegisterNotifier records the wakeup callback for a queue pair (0 =
// admin), invoked whenever the controller deposits a new element on that
// pair's outbound queue. Safe to call before the channel it wakes exists:
// the callback is only invoked after a response is produced, which never
// happens before the corresponding queue is created.
func (c *Controller) RegisterNotifier(pairIndex int, notify func()) {
	c.mu.Lock()
	c.notifiers[pairIndex] = notify
	c.mu.Unlock()
}

// InjectLinkLoss simulates a surprise device removal: every subsequent
// register read returns the all-ones sentinel and the background loop stops
// servicing the admin/IO rings, mirroring a PCIe hot-unplug (§8 scenario 3).
func (c *Controller) InjectLinkLoss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkLost = true
	ones := uint32(0xffffffff)
	for off := uintptr(0); off+4 <= regFileSize; off += 4 {
		c.region.WriteU32(off, ones)
	}
}

// Start launches the background goroutine that services register writes
// and ring traffic at the admin polling cadence.
func (c *Controller) Start() {
	go c.loop()
}

// Stop halts the background goroutine.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.stopped
}

func (c *Controller) loop() {
	defer close(c.stopped)
	ticker := time.NewTicker(75 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.linkLost {
				c.mu.Unlock()
				continue
			}
			c.serviceReset()
			c.serviceAdminFunction()
			c.serviceAdminIQ()
			c.serviceIOQueues()
			c.mu.Unlock()
		}
	}
}

func (c *Controller) serviceReset() {
	v := c.region.ReadU32(pqi.RegReset)
	if v&pqi.ResetActionMask == pqi.ResetActionCompleted {
		return
	}
	if v == pqi.ResetActionStart|pqi.ResetActionSoft {
		c.region.WriteU32(pqi.RegReset, pqi.ResetActionCompleted)
		c.region.WriteU32(pqi.RegDeviceStatus, pqi.DeviceStateReadyForAdminFn)
		c.resetSeen = true
	}
}

func (c *Controller) serviceAdminFunction() {
	if !c.resetSeen {
		return
	}
	fn := c.region.ReadU64(pqi.RegProcessAdminFn)
	switch uint8(fn) {
	case pqi.AdminFnCreateQueues:
		if c.adminCreated {
			return
		}
		c.createAdminQueues()
		c.region.WriteU64(pqi.RegProcessAdminFn, 0)
		c.region.WriteU32(pqi.RegDeviceStatus, pqi.DeviceStateReadyForIO)
		c.adminCreated = true
	case pqi.AdminFnDeleteQueues:
		if c.adminDeleted {
			return
		}
		c.region.WriteU64(pqi.RegProcessAdminFn, 0)
		c.adminDeleted = true
	}
}

func (c *Controller) createAdminQueues() {
	iqAddr := c.region.ReadU64(pqi.RegAdminIQAddr)
	oqAddr := c.region.ReadU64(pqi.RegAdminOQAddr)
	iqIdxAddr := c.region.ReadU64(pqi.RegAdminIQCIAddr)
	oqIdxAddr := c.region.ReadU64(pqi.RegAdminOQPIAddr)
	param := c.region.ReadU32(pqi.RegAdminQueueParam)
	depth := int(param & 0xff)
	if depth <= 0 {
		depth = 1
	}

	iqElements := dma.BytesAt(iqAddr, depth*pqi.LimitedCmdIUSize)
	oqElements := dma.BytesAt(oqAddr, depth*pqi.CmdResponseSize)
	iqIdx := dma.BytesAt(iqIdxAddr, 8)
	oqIdx := dma.BytesAt(oqIdxAddr, 8)

	c.adminIQ = newDeviceRing(iqElements, iqIdx, pqi.LimitedCmdIUSize, depth, true)
	c.adminOQ = newDeviceRing(oqElements, oqIdx, pqi.CmdResponseSize, depth, false)

	c.region.WriteU64(pqi.RegAdminIQPIOffset, uint64(c.allocDoorbell()))
	c.region.WriteU64(pqi.RegAdminOQCIOffset, uint64(c.allocDoorbell()))
}

func (c *Controller) allocDoorbell() uintptr {
	off := c.nextDoorbellOff
	c.nextDoorbellOff += 4
	return off
}

func (c *Controller) notify(pairIndex int) {
	if n, ok := c.notifiers[pairIndex]; ok && n != nil {
		n()
	}
}

// serviceAdminIQ drains any pending admin IU and answers it synchronously,
// the simulated counterpart to a real controller's admin-function firmware.
func (c *Controller) serviceAdminIQ() {
	if c.adminIQ == nil {
		return
	}
	for c.adminIQ.hasWork() {
		elem := c.adminIQ.pop()
		resp := c.handleAdminIU(elem)
		if resp != nil {
			c.adminOQ.push(resp)
			c.notify(0)
		}
	}
}

func (c *Controller) handleAdminIU(elem []byte) []byte {
	hdr := pqi.GetHeader(elem)
	switch hdr.Type {
	case pqi.IUTypeReportCapability:
		var iu pqi.ReportCapabilityIU
		if err := pqi.UnmarshalReportCapabilityIU(elem, &iu); err != nil {
			return nil
		}
		buf := dma.BytesAt(iu.SG.Address, int(iu.SG.Length))
		copy(buf, pqi.MarshalDeviceCapabilities(&c.caps))
		return pqi.MarshalReportCapabilityResponse(&pqi.ReportCapabilityResponse{
			Header: pqi.IUHeader{
				Type:      pqi.IUTypeReportCapabilityRsp,
				Length:    pqi.ReportCapabilityResponseSize - 4,
				RequestID: hdr.RequestID,
			},
			FunctionCode: iu.FunctionCode,
			Status:       0,
		})

	case pqi.IUTypeCreateOperationalQ:
		var iu pqi.CreateOperationalQueueIU
		if err := pqi.UnmarshalCreateOperationalQueueIU(elem, &iu); err != nil {
			return nil
		}
		toDevice := iu.FunctionCode == pqi.FuncCreateQueueToDevice
		elementLength := int(iu.ElementLength) * 16
		elements := dma.BytesAt(iu.ElementArrayAddr, int(iu.NElements)*elementLength)
		idx := dma.BytesAt(iu.IndexAddr, 8)
		ring := newDeviceRing(elements, idx, elementLength, int(iu.NElements), toDevice)

		off := c.allocDoorbell()
		c.ioQueues[iu.QueueID] = &ioQueue{
			pairIndex: int(iu.QueueID / 2),
			ring:      ring,
			toDevice:  toDevice,
		}

		return pqi.MarshalCreateOperationalQueueResponse(&pqi.CreateOperationalQueueResponse{
			Header: pqi.IUHeader{
				Type:      pqi.IUTypeCreateOperationalQR,
				Length:    pqi.CreateOperationalQueueResponseSize - 4,
				RequestID: hdr.RequestID,
			},
			FunctionCode: iu.FunctionCode,
			Status:       0,
			IndexOffset:  uint64(off),
		})

	case pqi.IUTypeDeleteOperationalQ:
		var iu pqi.DeleteOperationalQueueIU
		if err := pqi.UnmarshalDeleteOperationalQueueIU(elem, &iu); err != nil {
			return nil
		}
		delete(c.ioQueues, iu.QueueID)
		return pqi.MarshalDeleteOperationalQueueResponse(&pqi.DeleteOperationalQueueResponse{
			Header: pqi.IUHeader{
				Type:      pqi.IUTypeDeleteOperationalQR,
				Length:    pqi.DeleteOperationalQueueResponseSize - 4,
				RequestID: hdr.RequestID,
			},
			FunctionCode: iu.FunctionCode,
			Status:       0,
		})

	case pqi.IUTypeTaskMgmt:
		var iu pqi.TaskMgmtIU
		if err := pqi.UnmarshalTaskMgmtIU(elem, &iu); err != nil {
			return nil
		}
		// Only AbortTask and LunReset are supported functions; anything
		// else is rejected rather than silently completed, the same way
		// real hardware reports an unrecognized task management function.
		responseCode := uint8(pqi.TMFComplete)
		if iu.TaskMgmtFunction != pqi.TMFAbortTask && iu.TaskMgmtFunction != pqi.TMFLunReset {
			responseCode = pqi.TMFRejected
		}
		return pqi.MarshalTaskMgmtResponse(&pqi.TaskMgmtResponse{
			Header: pqi.IUHeader{
				Type:      pqi.IUTypeTaskMgmtResponse,
				Length:    pqi.TaskMgmtResponseSize - 4,
				RequestID: hdr.RequestID,
			},
			ResponseCode: responseCode,
		})
	}
	return nil
}

// serviceIOQueues drains every registered inbound operational queue and
// echoes a CmdResponse on its paired outbound queue, copying data to/from
// the simulated block store per the command's direction and SG list (§8's
// round-trip law: the response's request id matches and the transferred
// byte count sums to the submitted transfer size).
func (c *Controller) serviceIOQueues() {
	for qid, q := range c.ioQueues {
		if !q.toDevice {
			continue
		}
		for q.ring.hasWork() {
			elem := q.ring.pop()
			resp := c.handleIOCommand(elem)
			peer, ok := c.ioQueues[qid-1]
			if !ok || resp == nil {
				continue
			}
			if peer.ring.push(resp) {
				c.notify(q.pairIndex)
			}
		}
	}
}

func (c *Controller) handleIOCommand(elem []byte) []byte {
	var iu pqi.LimitedCmdIU
	if err := pqi.UnmarshalLimitedCmdIU(elem, &iu); err != nil {
		return nil
	}

	sg := collectSG(iu.SG[:])
	var dataIn, dataOut uint32
	lba := int64(binary.BigEndian.Uint32(iu.CDB[2:6])) * 512

	switch iu.Flags {
	case uint8(1): // DirToDevice: write host buffers into the store
		off := lba
		for _, seg := range sg {
			n := c.store.writeAt(seg, off)
			off += int64(n)
			dataOut += uint32(n)
		}
	case uint8(2): // DirFromDevice: fill host buffers from the store
		off := lba
		for _, seg := range sg {
			n := c.store.readAt(seg, off)
			off += int64(n)
			dataIn += uint32(n)
		}
	}

	resp := &pqi.CmdResponse{
		Header: pqi.IUHeader{
			Type:      pqi.IUTypeCmdResponse,
			Length:    pqi.CmdResponseSize - 4,
			RequestID: iu.Header.RequestID,
		},
		Status:         0,
		DataInXferred:  dataIn,
		DataOutXferred: dataOut,
	}
	// Only the direction actually exercised gets its result flag set, so the
	// host's residual computation reads the right counter instead of
	// silently assuming the whole transfer completed (§4.8).
	switch iu.Flags {
	case uint8(1):
		resp.DataOutXferResult = 1
	case uint8(2):
		resp.DataInXferResult = 1
	}
	copy(resp.Data[:16], iu.CDB[:])
	return pqi.MarshalCmdResponse(resp)
}

// collectSG resolves a Limited Command IU's inline descriptors into host
// buffers, following the chain tag into the overflow area when the command
// carries more than two segments (§4.6, §8 scenario 6). Overflow entries are
// DataBlock until the final one, tagged StandardLastSeg the same way the
// two inline descriptors are, so the chain is self-terminating without a
// separate segment count field.
func collectSG(sg []pqi.SglDescriptor) [][]byte {
	var out [][]byte
	for _, d := range sg {
		switch d.DescriptorType {
		case pqi.SGLTypeDataBlock, pqi.SGLTypeStandardLastSeg:
			out = append(out, dma.BytesAt(d.Address, int(d.Length)))
		case pqi.SGLTypeChain:
			addr := d.Address
			for i := 0; i < pqi.MaxSGLs; i++ {
				raw := dma.BytesAt(addr, pqi.SglDescriptorSize)
				cd := pqi.GetSglDescriptor(raw)
				out = append(out, dma.BytesAt(cd.Address, int(cd.Length)))
				if cd.DescriptorType == pqi.SGLTypeStandardLastSeg {
					break
				}
				addr += uint64(pqi.SglDescriptorSize)
			}
		}
	}
	return out
}
