package queue

import (
	"context"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/logging"
	"github.com/go-pqi/pqisop/internal/pqi"
)

// Channel runs the submission and completion path for one operational queue
// pair. Each Channel owns one OS thread, pinned the way the teacher pins a
// ublk queue's thread, because the controller simulator (and real hardware)
// associates in-flight state with the thread that issued the doorbell write.
type Channel struct {
	pairIndex int
	iq        *DeviceQueue
	oq        *DeviceQueue
	requests  *RequestPool
	backend   interfaces.Backend
	log       logging.Named
	observer  interfaces.Observer
	cpu       int // -1 = no affinity

	ctx    context.Context
	cancel context.CancelFunc

	// wake is signaled by the controller side (real IRQ or the simulator)
	// whenever the outbound queue gains new elements, so the completion
	// loop doesn't have to busy-spin between notifications.
	wake chan struct{}

	curReq *Request // element accumulation state, mirrors q->oq->cur_req
}

// ChannelConfig wires a Channel to its queue pair and collaborators.
type ChannelConfig struct {
	PairIndex int
	IQ        *DeviceQueue
	OQ        *DeviceQueue
	Depth     int
	Backend   interfaces.Backend
	Logger    *logging.Logger
	Observer  interfaces.Observer
	CPU       int // -1 disables affinity pinning
}

// NewChannel constructs a Channel ready to Start.
func NewChannel(ctx context.Context, cfg ChannelConfig) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	tag := "queue[admin]"
	if cfg.PairIndex > 0 {
		tag = "queue[" + strconv.Itoa(cfg.PairIndex) + "]"
	}
	return &Channel{
		pairIndex: cfg.PairIndex,
		iq:        cfg.IQ,
		oq:        cfg.OQ,
		requests:  NewRequestPool(cfg.Depth),
		backend:   cfg.Backend,
		log:       logging.WithTag(cfg.Logger, tag),
		observer:  cfg.Observer,
		cpu:       cfg.CPU,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes the completion loop. Safe to call from any goroutine,
// including a simulated controller's own submission handler.
func (c *Channel) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start launches the completion loop on its own pinned OS thread.
func (c *Channel) Start() {
	go c.completionLoop()
}

// Stop cancels the completion loop's context and returns at once; it does
// not wait for the loop or its pinned thread to exit.
func (c *Channel) Stop() {
	c.cancel()
}

func (c *Channel) pinThread() {
	runtime.LockOSThread()
	if c.cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(c.cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			c.log.Warn("failed to set CPU affinity", "cpu", c.cpu, "err", err)
		}
	}
}

// Submit encodes cmd as a Limited Command IU and publishes it to the inbound
// queue. Completion is asynchronous: the channel's completion loop invokes
// backend.Complete once the full response IU has been accumulated.
func (c *Channel) Submit(cmd *interfaces.Command) error {
	req, ok := c.requests.Alloc()
	if !ok {
		if c.observer != nil {
			c.observer.ObserveQueueFull(c.pairIndex)
		}
		return ErrQueueFull
	}
	req.Cmd = cmd

	iu := &pqi.LimitedCmdIU{
		Header: pqi.IUHeader{
			Type:      pqi.IUTypeLimitedCmd,
			Length:    pqi.LimitedCmdIUSize - 4,
			QueueID:   c.oq.QueueID(),
			RequestID: req.ID,
		},
		Flags:    uint8(cmd.Direction),
		XferSize: cmd.XferSize,
		CDB:      cmd.CDB,
	}
	fillSGList(iu, cmd.SGList)

	if c.observer != nil {
		c.observer.ObserveSubmit(cmd.Direction, cmd.XferSize)
	}

	if err := c.iq.Publish(pqi.MarshalLimitedCmdIU(iu)); err != nil {
		c.requests.Free(req.ID)
		return err
	}
	return nil
}

// SubmitAdmin publishes a raw IU to the inbound queue using an admin-style
// request slot: req.Cmd stays nil, so the completion loop just signals Done
// instead of invoking the backend (§4.3's synchronous waiter pattern), and
// leaves freeing the slot to the caller. build receives the allocated
// request id so it can stamp the IU header's RequestID field before
// marshaling, since the id isn't known until the slot is allocated.
func (c *Channel) SubmitAdmin(build func(requestID uint16) []byte) (*Request, error) {
	req, ok := c.requests.Alloc()
	if !ok {
		if c.observer != nil {
			c.observer.ObserveQueueFull(c.pairIndex)
		}
		return nil, ErrQueueFull
	}

	elem := build(req.ID)
	if err := c.iq.Publish(elem); err != nil {
		c.requests.Free(req.ID)
		return nil, err
	}
	return req, nil
}

// FreeRequest returns a request id allocated by SubmitAdmin to the pool.
// Callers must not touch the request's Response slice after calling this.
func (c *Channel) FreeRequest(id uint16) {
	c.requests.Free(id)
}

// fillSGList populates the Limited Command IU's two inline descriptors.
// Commands with more than two segments chain the second descriptor to an
// overflow area; the overflow area itself is out of scope for this inline
// helper and is populated by the caller before Submit is invoked when
// len(sg) > 2 (§4.6).
func fillSGList(iu *pqi.LimitedCmdIU, sg []interfaces.SGElement) {
	for i := 0; i < 2 && i < len(sg); i++ {
		iu.SG[i] = pqi.SglDescriptor{
			Address:        sg[i].BusAddr,
			Length:         sg[i].Length,
			DescriptorType: pqi.SGLTypeStandardLastSeg,
		}
	}
	if len(sg) > 2 {
		iu.SG[1].DescriptorType = pqi.SGLTypeChain
	}
}
