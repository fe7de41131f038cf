package ctrl

import (
	"context"
	"sync"
	"time"

	"github.com/go-pqi/pqisop/internal/constants"
	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/logging"
	"github.com/go-pqi/pqisop/internal/mmio"
	"github.com/go-pqi/pqisop/internal/pqi"
	"github.com/go-pqi/pqisop/internal/queue"
)

// AdminChannel owns queue pair 0 (the admin queue pair) and the register
// sequencing that brings a controller up to ReadyForIO.
type AdminChannel struct {
	region *mmio.Region
	alloc  interfaces.DMAAllocator
	depth  int
	log    logging.Named

	iqElements interfaces.DMABuffer
	oqElements interfaces.DMABuffer
	iqIndex    interfaces.DMABuffer
	oqIndex    interfaces.DMABuffer

	iq *queue.DeviceQueue
	oq *queue.DeviceQueue
	ch *queue.Channel

	mu    sync.Mutex
	state AdminState

	caps    pqi.DeviceCapabilities
	hasCaps bool
}

// Config wires an AdminChannel to its collaborators.
type Config struct {
	Region *mmio.Region
	Alloc  interfaces.DMAAllocator
	Depth  int // admin queue element count, both directions
	Logger *logging.Logger
}

// New allocates the admin queue pair's DMA memory and returns an
// AdminChannel in StateResetPending. Call Start to bring the controller up.
func New(ctx context.Context, cfg Config) (*AdminChannel, error) {
	depth := cfg.Depth
	if depth <= 0 {
		depth = constants.DefaultQueueDepth
	}

	iqElements, err := cfg.Alloc.Alloc(depth * pqi.LimitedCmdIUSize)
	if err != nil {
		return nil, err
	}
	oqElements, err := cfg.Alloc.Alloc(depth * pqi.CmdResponseSize)
	if err != nil {
		return nil, err
	}
	iqIndex, err := cfg.Alloc.Alloc(8)
	if err != nil {
		return nil, err
	}
	oqIndex, err := cfg.Alloc.Alloc(8)
	if err != nil {
		return nil, err
	}

	return &AdminChannel{
		region:     cfg.Region,
		alloc:      cfg.Alloc,
		depth:      depth,
		log:        logging.WithTag(cfg.Logger, "admin"),
		iqElements: iqElements,
		oqElements: oqElements,
		iqIndex:    iqIndex,
		oqIndex:    oqIndex,
		state:      StateResetPending,
	}, nil
}

// State returns the admin channel's current lifecycle state.
func (a *AdminChannel) State() AdminState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AdminChannel) setState(s AdminState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// pollInterval alternates between the 100us and 150us bounds the admin
// polling cadence is specified to stay within (§4.3), rather than hammering
// the register file at one fixed rate.
func pollInterval(i int) time.Duration {
	if i%2 == 0 {
		return constants.AdminPollMinInterval
	}
	return constants.AdminPollMaxInterval
}

// pollUntil polls cond at the admin cadence until it returns true, returns an
// error, the context is canceled, or timeout elapses.
func (a *AdminChannel) pollUntil(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for i := 0; ; i++ {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval(i)):
		}
	}
}

// Reset drives the device through a soft reset: writes (START_RESET |
// SOFT_RESET) to the reset register and polls until the reset-action field
// reads START_RESET_COMPLETED.
func (a *AdminChannel) Reset(ctx context.Context) error {
	a.setState(StateResetPending)
	a.region.WriteU32(pqi.RegReset, pqi.ResetActionStart|pqi.ResetActionSoft)

	return a.pollUntil(ctx, constants.AdminResetTimeout, func() (bool, error) {
		if a.region.LinkDead() {
			return false, ErrLinkLost
		}
		v := a.region.ReadU32(pqi.RegReset)
		return v&pqi.ResetActionMask == pqi.ResetActionCompleted, nil
	})
}

// waitReadyForAdminFunction polls until the device reports function_and_status
// idle and device_state == ReadyForAdminFunction.
func (a *AdminChannel) waitReadyForAdminFunction(ctx context.Context) error {
	err := a.pollUntil(ctx, constants.AdminAckTimeout, func() (bool, error) {
		if a.region.LinkDead() {
			return false, ErrLinkLost
		}
		paf := a.region.ReadU64(pqi.RegProcessAdminFn)
		status := a.region.ReadU32(pqi.RegDeviceStatus)
		return uint8(paf) == 0 && uint8(status) == pqi.DeviceStateReadyForAdminFn, nil
	})
	if err == nil {
		a.setState(StateReadyForAdminFunction)
	}
	return err
}

// createAdminQueues writes the admin IQ/OQ bus addresses and the queue
// parameter word, triggers CREATE_ADMIN_QUEUES, and polls for acknowledgement
// and the device reaching ReadyForIO.
func (a *AdminChannel) createAdminQueues(ctx context.Context) error {
	a.setState(StateCreatingAdminQueues)

	a.region.WriteU64(pqi.RegAdminIQAddr, a.iqElements.BusAddr())
	a.region.WriteU64(pqi.RegAdminOQAddr, a.oqElements.BusAddr())
	a.region.WriteU64(pqi.RegAdminIQCIAddr, a.iqIndex.BusAddr())
	a.region.WriteU64(pqi.RegAdminOQPIAddr, a.oqIndex.BusAddr())

	param := uint32(a.depth) | uint32(a.depth)<<8 | uint32(0)<<16 // admin always rides MSI-X vector 0
	a.region.WriteU32(pqi.RegAdminQueueParam, param)
	a.region.WriteU64(pqi.RegProcessAdminFn, pqi.AdminFnCreateQueues)

	if err := a.pollUntil(ctx, constants.AdminAckTimeout, func() (bool, error) {
		if a.region.LinkDead() {
			return false, ErrLinkLost
		}
		return uint8(a.region.ReadU64(pqi.RegProcessAdminFn)) == 0, nil
	}); err != nil {
		return err
	}

	return a.pollUntil(ctx, constants.AdminAckTimeout, func() (bool, error) {
		if a.region.LinkDead() {
			return false, ErrLinkLost
		}
		return uint8(a.region.ReadU32(pqi.RegDeviceStatus)) == pqi.DeviceStateReadyForIO, nil
	})
}

// Start runs the full bring-up sequence: reset, wait for the device to
// accept admin functions, create the admin queue pair, and start the admin
// channel's completion loop so synchronous IUs can be issued.
func (a *AdminChannel) Start(ctx context.Context, logger *logging.Logger) error {
	if err := a.Reset(ctx); err != nil {
		return err
	}
	if err := a.waitReadyForAdminFunction(ctx); err != nil {
		return err
	}
	if err := a.createAdminQueues(ctx); err != nil {
		return err
	}
	a.setState(StateReadyForIO)

	iqPIOffset := uintptr(a.region.ReadU64(pqi.RegAdminIQPIOffset))
	oqCIOffset := uintptr(a.region.ReadU64(pqi.RegAdminOQCIOffset))

	a.iq = queue.NewDeviceQueue(queue.DeviceQueueConfig{
		QueueID:       pqi.QueueID(0, true),
		ToDevice:      true,
		ElementLength: pqi.LimitedCmdIUSize,
		NElements:     a.depth,
		Elements:      a.iqElements,
		Index:         a.iqIndex,
		Region:        a.region,
		PIOffset:      iqPIOffset,
	})
	a.oq = queue.NewDeviceQueue(queue.DeviceQueueConfig{
		QueueID:       pqi.QueueID(0, false),
		ToDevice:      false,
		ElementLength: pqi.CmdResponseSize,
		NElements:     a.depth,
		Elements:      a.oqElements,
		Index:         a.oqIndex,
		Region:        a.region,
		CIOffset:      oqCIOffset,
	})

	a.ch = queue.NewChannel(ctx, queue.ChannelConfig{
		PairIndex: 0,
		IQ:        a.iq,
		OQ:        a.oq,
		Depth:     a.depth,
		Logger:    logger,
		CPU:       -1,
	})
	a.ch.Start()
	return nil
}

// Notify wakes the admin channel's completion loop; call this after a
// simulated or real controller posts a response to the admin OQ.
func (a *AdminChannel) Notify() {
	if a.ch != nil {
		a.ch.Notify()
	}
}

// Stop tears down the admin channel's completion loop without issuing
// DeleteAdminQueues (use Shutdown for the full teardown sequence).
func (a *AdminChannel) Stop() {
	if a.ch != nil {
		a.ch.Stop()
	}
}

// Shutdown issues DeleteAdminQueues (§4.3's DeletingAdminQueues transition)
// and stops the completion loop.
func (a *AdminChannel) Shutdown(ctx context.Context) error {
	a.setState(StateDeletingAdminQueues)
	a.region.WriteU64(pqi.RegProcessAdminFn, pqi.AdminFnDeleteQueues)
	err := a.pollUntil(ctx, constants.AdminAckTimeout, func() (bool, error) {
		if a.region.LinkDead() {
			return false, ErrLinkLost
		}
		return uint8(a.region.ReadU64(pqi.RegProcessAdminFn)) == 0, nil
	})
	a.Stop()
	return err
}

// Capabilities returns the last capability report fetched via
// ReportCapability, if any.
func (a *AdminChannel) Capabilities() (pqi.DeviceCapabilities, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps, a.hasCaps
}
