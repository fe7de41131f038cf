// Package ctrl drives the PQI admin channel: the register-level state
// machine that takes a controller from reset to ready, and the synchronous
// admin IUs (capability report, operational queue create/delete, task
// management) that ride the admin queue pair once it exists (§4.3, §4.4).
package ctrl

import "errors"

// AdminState is a state in the admin channel's lifecycle (§4.3). Transitions
// are driven entirely by register polling; there is no IU exchange until
// ReadyForIO.
type AdminState int

const (
	StateResetPending AdminState = iota
	StateReadyForAdminFunction
	StateCreatingAdminQueues
	StateReadyForIO
	StateDeletingAdminQueues
)

func (s AdminState) String() string {
	switch s {
	case StateResetPending:
		return "ResetPending"
	case StateReadyForAdminFunction:
		return "ReadyForAdminFunction"
	case StateCreatingAdminQueues:
		return "CreatingAdminQueues"
	case StateReadyForIO:
		return "ReadyForIO"
	case StateDeletingAdminQueues:
		return "DeletingAdminQueues"
	default:
		return "Unknown"
	}
}

// Sentinel errors surfaced by the admin state machine and synchronous IU
// waiters. The root package wraps these into a structured *Error when
// returning them from Device methods.
var (
	ErrLinkLost       = errors.New("ctrl: link lost")
	ErrTimedOut       = errors.New("ctrl: operation timed out")
	ErrDeviceRejected = errors.New("ctrl: device rejected request")
	ErrWrongState     = errors.New("ctrl: admin channel not in required state")
)

// CreateQueueRequest describes one operational queue to create (§4.4).
type CreateQueueRequest struct {
	PairIndex        int
	ToDevice         bool
	ElementArrayAddr uint64
	IndexAddr        uint64
	NElements        uint16
	ElementLength    uint16 // bytes; must be a multiple of 16
	MSIXVector       uint16 // outbound queues only
}

// CreateQueueResult is the controller's acknowledgement of a
// CreateQueueRequest: the MMIO offset the host must use for this queue's
// doorbell (PI for inbound, CI for outbound).
type CreateQueueResult struct {
	QueueID     uint16
	IndexOffset uint64
}
