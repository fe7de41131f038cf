package ctrl

import (
	"context"

	"github.com/go-pqi/pqisop/internal/constants"
	"github.com/go-pqi/pqisop/internal/pqi"
	"github.com/go-pqi/pqisop/internal/queue"
)

// ReportCapability issues a ReportPqiDeviceCapability admin IU and parses the
// capability payload the controller deposits into a scratch buffer (§4.3,
// §4.4). The returned value is also cached on the AdminChannel.
func (a *AdminChannel) ReportCapability(ctx context.Context) (pqi.DeviceCapabilities, error) {
	buf, err := a.alloc.Alloc(pqi.DeviceCapabilitiesSize)
	if err != nil {
		return pqi.DeviceCapabilities{}, err
	}

	iu := pqi.ReportCapabilityIU{
		Header: pqi.IUHeader{
			Type:    pqi.IUTypeReportCapability,
			Length:  pqi.ReportCapabilityIUSize - 4,
			QueueID: a.oq.QueueID(),
		},
		BufferSize: uint32(pqi.DeviceCapabilitiesSize),
		SG: pqi.SglDescriptor{
			Address:        buf.BusAddr(),
			Length:         uint32(pqi.DeviceCapabilitiesSize),
			DescriptorType: pqi.SGLTypeStandardLastSeg,
		},
	}

	req, err := a.ch.SubmitAdmin(func(id uint16) []byte {
		iu.Header.RequestID = id
		return pqi.MarshalReportCapabilityIU(&iu)
	})
	if err != nil {
		return pqi.DeviceCapabilities{}, err
	}
	if !queue.WaitAdmin(req, constants.AdminAckTimeout) {
		a.ch.FreeRequest(req.ID)
		return pqi.DeviceCapabilities{}, ErrTimedOut
	}

	var resp pqi.ReportCapabilityResponse
	err = pqi.UnmarshalReportCapabilityResponse(req.Response, &resp)
	a.ch.FreeRequest(req.ID)
	if err != nil {
		return pqi.DeviceCapabilities{}, err
	}
	if resp.Status != 0 {
		return pqi.DeviceCapabilities{}, ErrDeviceRejected
	}

	var caps pqi.DeviceCapabilities
	if err := pqi.UnmarshalDeviceCapabilities(buf.Bytes(), &caps); err != nil {
		return pqi.DeviceCapabilities{}, err
	}

	a.mu.Lock()
	a.caps = caps
	a.hasCaps = true
	a.mu.Unlock()

	return caps, nil
}

// CreateOperationalQueue issues a CreateOperationalQueue admin IU for one
// half of an operational queue pair and returns the MMIO index offset the
// host must use for that queue's doorbell (§4.4).
func (a *AdminChannel) CreateOperationalQueue(ctx context.Context, r CreateQueueRequest) (CreateQueueResult, error) {
	funcCode := uint8(pqi.FuncCreateQueueFromDevice)
	if r.ToDevice {
		funcCode = pqi.FuncCreateQueueToDevice
	}
	queueID := pqi.QueueID(r.PairIndex, r.ToDevice)

	iu := pqi.CreateOperationalQueueIU{
		Header: pqi.IUHeader{
			Type:    pqi.IUTypeCreateOperationalQ,
			Length:  pqi.CreateOperationalQueueIUSize - 4,
			QueueID: a.oq.QueueID(),
		},
		FunctionCode:     funcCode,
		QueueID:          queueID,
		ElementArrayAddr: r.ElementArrayAddr,
		IndexAddr:        r.IndexAddr,
		NElements:        r.NElements,
		ElementLength:    r.ElementLength / 16,
	}
	if !r.ToDevice {
		iu.Protocol.InterruptMessageNumber = r.MSIXVector
	}

	req, err := a.ch.SubmitAdmin(func(id uint16) []byte {
		iu.Header.RequestID = id
		return pqi.MarshalCreateOperationalQueueIU(&iu)
	})
	if err != nil {
		return CreateQueueResult{}, err
	}
	if !queue.WaitAdmin(req, constants.AdminAckTimeout) {
		a.ch.FreeRequest(req.ID)
		return CreateQueueResult{}, ErrTimedOut
	}

	var resp pqi.CreateOperationalQueueResponse
	err = pqi.UnmarshalCreateOperationalQueueResponse(req.Response, &resp)
	a.ch.FreeRequest(req.ID)
	if err != nil {
		return CreateQueueResult{}, err
	}
	if resp.Status != 0 {
		return CreateQueueResult{}, ErrDeviceRejected
	}

	return CreateQueueResult{QueueID: queueID, IndexOffset: resp.IndexOffset}, nil
}

// DeleteOperationalQueue issues a DeleteOperationalQueue admin IU for the
// given queue id and direction, the symmetric teardown counterpart to
// CreateOperationalQueue.
func (a *AdminChannel) DeleteOperationalQueue(ctx context.Context, queueID uint16, toDevice bool) error {
	funcCode := uint8(pqi.FuncDeleteQueueFromDevice)
	if toDevice {
		funcCode = pqi.FuncDeleteQueueToDevice
	}

	iu := pqi.DeleteOperationalQueueIU{
		Header: pqi.IUHeader{
			Type:    pqi.IUTypeDeleteOperationalQ,
			Length:  pqi.DeleteOperationalQueueIUSize - 4,
			QueueID: a.oq.QueueID(),
		},
		FunctionCode: funcCode,
		QueueID:      queueID,
	}

	req, err := a.ch.SubmitAdmin(func(id uint16) []byte {
		iu.Header.RequestID = id
		return pqi.MarshalDeleteOperationalQueueIU(&iu)
	})
	if err != nil {
		return err
	}
	if !queue.WaitAdmin(req, constants.AdminAckTimeout) {
		a.ch.FreeRequest(req.ID)
		return ErrTimedOut
	}

	var resp pqi.DeleteOperationalQueueResponse
	err = pqi.UnmarshalDeleteOperationalQueueResponse(req.Response, &resp)
	a.ch.FreeRequest(req.ID)
	if err != nil {
		return err
	}
	if resp.Status != 0 {
		return ErrDeviceRejected
	}
	return nil
}

// SubmitTaskManagement issues a TaskMgmtIU abort or LUN reset and reports
// whether the controller accepted it (§4.9). targetRequestID is only
// meaningful for TMFAbortTask; lun is only meaningful for TMFLunReset.
func (a *AdminChannel) SubmitTaskManagement(ctx context.Context, lun uint64, targetRequestID uint16, function uint8) (bool, error) {
	iu := pqi.TaskMgmtIU{
		Header: pqi.IUHeader{
			Type:    pqi.IUTypeTaskMgmt,
			Length:  pqi.TaskMgmtIUSize - 4,
			QueueID: a.oq.QueueID(),
		},
		LUN:               lun,
		RequestIDToManage: targetRequestID,
		TaskMgmtFunction:  function,
	}

	req, err := a.ch.SubmitAdmin(func(id uint16) []byte {
		iu.Header.RequestID = id
		return pqi.MarshalTaskMgmtIU(&iu)
	})
	if err != nil {
		return false, err
	}
	if !queue.WaitAdmin(req, constants.AdminAckTimeout) {
		a.ch.FreeRequest(req.ID)
		return false, ErrTimedOut
	}

	var resp pqi.TaskMgmtResponse
	err = pqi.UnmarshalTaskMgmtResponse(req.Response, &resp)
	a.ch.FreeRequest(req.ID)
	if err != nil {
		return false, err
	}

	switch resp.ResponseCode {
	case pqi.TMFComplete, pqi.TMFSucceeded, pqi.TMFRejected:
		return true, nil
	default:
		return false, nil
	}
}
