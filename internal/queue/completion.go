package queue

import (
	"encoding/binary"
	"errors"
	"runtime"
	"time"

	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/pqi"
)

// completionLoop drains the outbound queue, accumulating each in-flight
// request's response across however many OQ elements it takes to carry the
// full IU, and dispatches finished responses to the backend. Mirrors
// sop_ioq_msix_handler/sop_adminq_msix_handler, adapted from an interrupt
// handler into a dedicated polling goroutine since this driver owns its MMIO
// rings directly rather than riding a kernel IRQ.
func (c *Channel) completionLoop() {
	c.pinThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for c.drainOnce() {
		}
	}
}

// drainOnce consumes one OQ element, if available, and reports whether the
// caller should immediately try again (an empty queue returns false).
func (c *Channel) drainOnce() bool {
	elem, ok := c.oq.Dequeue()
	if !ok {
		return false
	}

	if c.curReq == nil {
		requestID := binary.LittleEndian.Uint16(elem[8:10])
		if int(requestID) >= c.requests.Depth() {
			c.log.Warn("completion for out-of-range request id", "id", requestID)
			return true
		}
		r := c.requests.Get(requestID)
		r.Response = r.Response[:0]
		c.curReq = r
	}

	c.curReq.Response = append(c.curReq.Response, elem...)

	if !responseAccumulated(c.curReq.Response) {
		return true
	}

	req := c.curReq
	c.curReq = nil
	c.dispatch(req)
	return true
}

// responseAccumulated reports whether resp holds a complete IU: the IU
// length field at prologue offset 2 plus the 4-byte prologue head it
// excludes.
func responseAccumulated(resp []byte) bool {
	if len(resp) < 4 {
		return false
	}
	iuLength := int(binary.LittleEndian.Uint16(resp[2:4])) + 4
	return len(resp) >= iuLength
}

// Sentinel errors surfaced as a completed command's transportErr when the
// response decode table (§4.8) identifies a protocol-level problem rather
// than an ordinary SCSI status. Exported so a Backend can distinguish them
// from one another instead of only seeing "some transport error occurred".
var (
	ErrShortCompletion       = errors.New("pqi: completion IU shorter than its own header")
	ErrUnexpectedIUOnIOPath  = errors.New("pqi: task management response arrived on the main I/O completion path")
	ErrManagementRejected    = errors.New("pqi: management response reported a non-good result")
	ErrUnknownCompletionIU   = errors.New("pqi: unrecognized completion IU type")
	ErrIncorrectLun          = errors.New("pqi: incorrect LUN")
	ErrOverlappedRequestID   = errors.New("pqi: overlapped request id attempted")
	ErrInvalidIUType         = errors.New("pqi: invalid IU type")
	ErrInvalidIULength       = errors.New("pqi: invalid IU length")
	ErrInvalidLengthInIU     = errors.New("pqi: invalid length in IU")
	ErrMisalignedLengthInIU  = errors.New("pqi: misaligned length in IU")
	ErrInvalidFieldInIU      = errors.New("pqi: invalid field in IU")
	ErrIUTooLong             = errors.New("pqi: IU too long")
	ErrUnexpectedSubResponse = errors.New("pqi: task management response data embedded in a main I/O path completion")
	ErrUnknownSubResponse    = errors.New("pqi: unrecognized response sub-code")
)

// dispatch decodes a completed response and hands it to the backend, then
// frees the request slot. Admin/TMF completions (req.Cmd == nil) are not
// freed here: the synchronous waiter in internal/ctrl still needs to read
// req.Response after Done fires, so it frees the slot itself once done.
//
// The response IU's type byte selects the decode path (§4.8): CmdSuccess is
// a bare success with no residual; CmdResponse carries status, sense data,
// and residual/sub-response decoding; TaskMgmtResponse has no business
// arriving on the main I/O completion path at all (it is a synchronous-waiter
// IU, answered on the admin channel) and is reported as a transport error
// rather than silently misinterpreted as a CmdResponse. ManagementResponse
// completes OK when its result is good and as a transport error otherwise.
func (c *Channel) dispatch(req *Request) {
	cmd, isIO := req.Cmd.(*interfaces.Command)
	if !isIO {
		close(req.Done)
		return
	}
	defer c.requests.Free(req.ID)

	if len(req.Response) < pqi.IUHeaderSize {
		c.log.Error("malformed completion: short header", "request_id", req.ID)
		c.completeTransportError(cmd, ErrShortCompletion)
		return
	}

	switch req.Response[0] {
	case pqi.IUTypeCmdSuccess:
		if c.observer != nil {
			c.observer.ObserveComplete(cmd.Direction, cmd.XferSize, 0, interfaces.StatusOK)
		}
		if c.backend != nil {
			c.backend.Complete(cmd, interfaces.StatusOK, 0, nil, nil)
		}

	case pqi.IUTypeCmdResponse:
		c.dispatchCmdResponse(cmd, req)

	case pqi.IUTypeTaskMgmtResponse:
		c.log.Error("task management response on main I/O path", "request_id", req.ID)
		c.completeTransportError(cmd, ErrUnexpectedIUOnIOPath)

	case pqi.IUTypeManagementResponse:
		var resp pqi.ManagementResponse
		if err := pqi.UnmarshalManagementResponse(req.Response, &resp); err != nil {
			c.completeTransportError(cmd, err)
			return
		}
		if resp.Result == pqi.ManagementGood {
			if c.observer != nil {
				c.observer.ObserveComplete(cmd.Direction, cmd.XferSize, 0, interfaces.StatusOK)
			}
			if c.backend != nil {
				c.backend.Complete(cmd, interfaces.StatusOK, 0, nil, nil)
			}
			return
		}
		c.log.Error("management response rejected on main I/O path", "request_id", req.ID, "result", resp.Result)
		c.completeTransportError(cmd, ErrManagementRejected)

	default:
		c.log.Error("unknown completion IU type", "request_id", req.ID, "iu_type", req.Response[0])
		c.completeTransportError(cmd, ErrUnknownCompletionIU)
	}
}

// dispatchCmdResponse handles the CmdResponse branch of §4.8: status byte,
// sense data, residual computation, and the sub-response decode triggered
// by a nonzero ResponseDataLen.
func (c *Channel) dispatchCmdResponse(cmd *interfaces.Command, req *Request) {
	var resp pqi.CmdResponse
	if err := pqi.UnmarshalCmdResponse(req.Response, &resp); err != nil {
		c.log.Error("malformed completion", "request_id", req.ID, "err", err)
		c.completeTransportError(cmd, err)
		return
	}

	status := translateStatus(resp.Status)

	var sense []byte
	if resp.SenseDataLen > 0 {
		n := int(resp.SenseDataLen)
		if n > len(resp.Data) {
			n = len(resp.Data)
		}
		sense = append([]byte(nil), resp.Data[:n]...)
	}

	// A firmware bug, not a fatal one: both directions' results can't
	// legitimately be set on the same command. Prefer the in-direction
	// value, matching the priority the original driver used, and keep
	// completing the command rather than failing it outright.
	if resp.DataInXferResult != 0 && resp.DataOutXferResult != 0 {
		c.log.Warn("completion reports both data-in and data-out results", "request_id", req.ID)
	}

	var dataXferred uint32
	switch {
	case resp.DataInXferResult != 0:
		dataXferred = resp.DataInXferred
	case resp.DataOutXferResult != 0:
		dataXferred = resp.DataOutXferred
	default:
		dataXferred = cmd.XferSize
	}
	residual := cmd.XferSize - dataXferred

	var transportErr error
	if resp.ResponseDataLen > 0 {
		subCode := resp.Data[3]
		transportErr = decodeSubResponse(subCode)
		c.log.Error("command response carries sub-response data", "request_id", req.ID, "sub_code", subCode, "err", transportErr)
	}

	if c.observer != nil {
		bytes := resp.DataInXferred + resp.DataOutXferred
		c.observer.ObserveComplete(cmd.Direction, bytes, 0, status)
	}

	if c.backend != nil {
		c.backend.Complete(cmd, status, residual, sense, transportErr)
	}
}

// decodeSubResponse maps a CmdResponse's embedded sub-response code (§4.8,
// present only when ResponseDataLen > 0) to a descriptive error. Code 0
// matches TmfComplete's wire value: seeing it here means a task management
// response's shape leaked onto the main I/O path, which is itself the
// anomaly being reported, not a recognized sub-response.
func decodeSubResponse(code uint8) error {
	switch code {
	case 0:
		return ErrUnexpectedSubResponse
	case pqi.RespIncorrectLun:
		return ErrIncorrectLun
	case pqi.RespOverlappedRequestID:
		return ErrOverlappedRequestID
	case pqi.RespInvalidIUType:
		return ErrInvalidIUType
	case pqi.RespInvalidIULength:
		return ErrInvalidIULength
	case pqi.RespInvalidLengthInIU:
		return ErrInvalidLengthInIU
	case pqi.RespMisalignedLengthInIU:
		return ErrMisalignedLengthInIU
	case pqi.RespInvalidFieldInIU:
		return ErrInvalidFieldInIU
	case pqi.RespIUTooLong:
		return ErrIUTooLong
	default:
		return ErrUnknownSubResponse
	}
}

// completeTransportError reports cmd as failed with no data transferred,
// the common shape every decode-table error branch above falls back to.
func (c *Channel) completeTransportError(cmd *interfaces.Command, err error) {
	if c.observer != nil {
		c.observer.ObserveComplete(cmd.Direction, 0, 0, interfaces.StatusTransportError)
	}
	if c.backend != nil {
		c.backend.Complete(cmd, interfaces.StatusTransportError, 0, nil, err)
	}
}

// translateStatus maps a CmdResponse status byte to the SCSI-level outcome
// the upper layer understands.
func translateStatus(status uint8) interfaces.Status {
	switch status {
	case 0:
		return interfaces.StatusOK
	case 2:
		return interfaces.StatusCheckCondition
	default:
		return interfaces.StatusRetry
	}
}

// WaitAdmin blocks until req's response IU has been fully accumulated or the
// deadline passes, for use by the admin handshake which must proceed
// synchronously (§4.3).
func WaitAdmin(req *Request, timeout time.Duration) bool {
	select {
	case <-req.Done:
		return true
	case <-time.After(timeout):
		return false
	}
}
