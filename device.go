// Package pqisop is the public API for a PQI/SOP host storage controller
// driver: it brings a controller from reset to ready, creates one I/O queue
// pair per worker, and dispatches SCSI commands across them.
package pqisop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-pqi/pqisop/internal/constants"
	"github.com/go-pqi/pqisop/internal/ctrl"
	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/logging"
	"github.com/go-pqi/pqisop/internal/mmio"
	"github.com/go-pqi/pqisop/internal/pqi"
	"github.com/go-pqi/pqisop/internal/queue"
)

// wrapDriverErr classifies the sentinel errors internal/ctrl and
// internal/queue return (plain errors.New values, to avoid an import cycle
// back to this package) into the §7 error taxonomy before wrapping them as
// a *Error. Anything unrecognized falls through to WrapError's generic
// mapping.
func wrapDriverErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ctrl.ErrLinkLost):
		return &Error{Op: op, Queue: -1, Code: ErrCodeLinkLost, Msg: err.Error(), Inner: err}
	case errors.Is(err, ctrl.ErrTimedOut):
		return &Error{Op: op, Queue: -1, Code: ErrCodeTimedOut, Msg: err.Error(), Inner: err}
	case errors.Is(err, ctrl.ErrDeviceRejected):
		return &Error{Op: op, Queue: -1, Code: ErrCodeDeviceRejected, Msg: err.Error(), Inner: err}
	case errors.Is(err, ctrl.ErrWrongState):
		return &Error{Op: op, Queue: -1, Code: ErrCodeProtocolViolation, Msg: err.Error(), Inner: err}
	case errors.Is(err, queue.ErrQueueFull):
		return &Error{Op: op, Queue: -1, Code: ErrCodeQueueFull, Msg: err.Error(), Inner: err}
	default:
		return WrapError(op, err)
	}
}

// ioQueue bundles one operational queue pair's Channel with the DMA memory
// backing it, so Close can tear both down together.
type ioQueue struct {
	pairIndex   int
	toQueueID   uint16
	fromQueueID uint16
	channel     *queue.Channel

	iqElements interfaces.DMABuffer
	iqIndex    interfaces.DMABuffer
	oqElements interfaces.DMABuffer
	oqIndex    interfaces.DMABuffer
}

// Device is a process-wide handle to one PQI controller: the admin channel,
// the array of I/O queue pairs, and the capability snapshot probe read from
// the device (§3's Device data model).
type Device struct {
	admin    *ctrl.AdminChannel
	ioQueues []*ioQueue
	caps     pqi.DeviceCapabilities

	backend  interfaces.Backend
	metrics  *Metrics
	observer interfaces.Observer
	logger   *logging.Logger

	depth int

	// cpuRR approximates "current CPU id" from §4.5's dispatch formula with
	// a round-robin counter instead of a real getcpu(2) call: it spreads
	// submissions across queue pairs exactly the way a true CPU id would
	// under the same modulo, without pinning this library to one syscall's
	// exact Go binding.
	cpuRR atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// DeviceParams configures the queue layout and collaborators for Probe.
type DeviceParams struct {
	// Backend receives completions for every submitted Command.
	Backend interfaces.Backend

	// QueueDepth is the per-queue-pair element count (default: DefaultQueueDepth).
	QueueDepth int

	// NumQueues is the number of I/O queue pairs to create (default: one
	// per CPU minus the admin pair, at least one), clipped to the device's
	// reported MaxIQs/MaxOQs minus the admin pair.
	NumQueues int

	// IQElementLength and OQElementLength override the default element
	// sizes in bytes for inbound and outbound I/O queues.
	IQElementLength int
	OQElementLength int

	// CPUAffinity optionally pins queue pair i's completion thread to
	// CPUAffinity[i]. A nil or short slice leaves the corresponding pairs
	// unpinned.
	CPUAffinity []int
}

// DefaultParams returns DeviceParams with the package's defaults filled in.
func DefaultParams(backend interfaces.Backend) DeviceParams {
	return DeviceParams{
		Backend:         backend,
		QueueDepth:      constants.DefaultQueueDepth,
		IQElementLength: constants.DefaultIQElementLength,
		OQElementLength: constants.DefaultOQElementLength,
	}
}

// NotifyRegistrar wires an I/O or admin channel's wakeup to whatever
// delivers its completion signal. internal/simdevice's Controller satisfies
// this directly, so tests and cmd/pqi-sim can pass it straight through; a
// real deployment would satisfy it from its MSI-X vector handler, which is
// out of scope here (spec Non-goals: no MSI-X vector negotiation).
type NotifyRegistrar interface {
	RegisterNotifier(pairIndex int, notify func())
}

// Options carries optional collaborators for Probe.
type Options struct {
	// Context, if set, is the parent for the Device's lifetime; Close
	// cancels a context derived from it. Defaults to context.Background().
	Context context.Context

	// Logger receives structured log lines from the admin handshake and
	// queue pairs. Defaults to logging.Default().
	Logger *logging.Logger

	// Observer receives submission/completion/queue-full/link-lost/TMF
	// events. Defaults to a MetricsObserver wrapping a fresh Metrics.
	Observer interfaces.Observer

	// Registrar, if set, is called once per queue pair (including the
	// admin pair, index 0) immediately after that pair's Notify callback
	// exists, so the caller can wire it to a simulated or real interrupt
	// source before Probe proceeds.
	Registrar NotifyRegistrar
}

// Probe brings a controller from reset to ReadyForIO, creates NumQueues I/O
// queue pairs, and returns a Device ready to accept Submit calls (§4.3,
// §4.4). On any failure it tears down everything it had already created
// before returning, per §7's abort-probe rule.
func Probe(region *mmio.Region, alloc interfaces.DMAAllocator, params DeviceParams, options *Options) (*Device, error) {
	if params.Backend == nil {
		return nil, NewError("Probe", ErrCodeProtocolViolation, "DeviceParams.Backend is required")
	}
	if options == nil {
		options = &Options{}
	}
	parent := options.Context
	if parent == nil {
		parent = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	depth := params.QueueDepth
	if depth <= 0 {
		depth = constants.DefaultQueueDepth
	}
	iqElemLen := params.IQElementLength
	if iqElemLen <= 0 {
		iqElemLen = constants.DefaultIQElementLength
	}
	oqElemLen := params.OQElementLength
	if oqElemLen <= 0 {
		oqElemLen = constants.DefaultOQElementLength
	}

	ctx, cancel := context.WithCancel(parent)

	admin, err := ctrl.New(ctx, ctrl.Config{Region: region, Alloc: alloc, Depth: depth, Logger: logger})
	if err != nil {
		cancel()
		return nil, wrapDriverErr("Probe", err)
	}
	if options.Registrar != nil {
		options.Registrar.RegisterNotifier(0, admin.Notify)
	}
	if err := admin.Start(ctx, logger); err != nil {
		cancel()
		return nil, wrapDriverErr("Probe", err)
	}

	caps, err := admin.ReportCapability(ctx)
	if err != nil {
		admin.Stop()
		cancel()
		return nil, wrapDriverErr("Probe", err)
	}

	numQueues := params.NumQueues
	if numQueues <= 0 {
		numQueues = runtime.NumCPU() - 1
	}
	if numQueues < 1 {
		numQueues = 1
	}
	if max := int(caps.MaxIQs) - 1; max > 0 && numQueues > max {
		numQueues = max
	}
	if max := int(caps.MaxOQs) - 1; max > 0 && numQueues > max {
		numQueues = max
	}

	dev := &Device{
		admin:    admin,
		ioQueues: make([]*ioQueue, 0, numQueues),
		caps:     caps,
		backend:  params.Backend,
		metrics:  metrics,
		observer: observer,
		logger:   logger,
		depth:    depth,
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < numQueues; i++ {
		pairIndex := i + 1
		cpu := -1
		if i < len(params.CPUAffinity) {
			cpu = params.CPUAffinity[i]
		}

		q, err := createIOQueue(ctx, admin, alloc, region, pairIndex, depth, iqElemLen, oqElemLen, params.Backend, logger, observer, cpu)
		if err != nil {
			for _, created := range dev.ioQueues {
				created.channel.Stop()
			}
			admin.Shutdown(context.Background())
			cancel()
			return nil, wrapDriverErr("Probe", err)
		}
		if options.Registrar != nil {
			options.Registrar.RegisterNotifier(pairIndex, q.channel.Notify)
		}
		q.channel.Start()
		dev.ioQueues = append(dev.ioQueues, q)
	}

	return dev, nil
}

// createIOQueue allocates one operational queue pair's DMA memory, issues
// the two CreateOperationalQueue admin exchanges it takes to stand up both
// directions (§4.4), and wires a Channel over the result.
func createIOQueue(ctx context.Context, admin *ctrl.AdminChannel, alloc interfaces.DMAAllocator, region *mmio.Region, pairIndex, depth, iqElemLen, oqElemLen int, backend interfaces.Backend, logger *logging.Logger, observer interfaces.Observer, cpu int) (*ioQueue, error) {
	iqElements, err := alloc.Alloc(depth * iqElemLen)
	if err != nil {
		return nil, err
	}
	iqIndex, err := alloc.Alloc(8)
	if err != nil {
		iqElements.Free()
		return nil, err
	}
	oqElements, err := alloc.Alloc(depth * oqElemLen)
	if err != nil {
		iqElements.Free()
		iqIndex.Free()
		return nil, err
	}
	oqIndex, err := alloc.Alloc(8)
	if err != nil {
		iqElements.Free()
		iqIndex.Free()
		oqElements.Free()
		return nil, err
	}

	toResult, err := admin.CreateOperationalQueue(ctx, ctrl.CreateQueueRequest{
		PairIndex:        pairIndex,
		ToDevice:         true,
		ElementArrayAddr: iqElements.BusAddr(),
		IndexAddr:        iqIndex.BusAddr(),
		NElements:        uint16(depth),
		ElementLength:    uint16(iqElemLen),
	})
	if err != nil {
		iqElements.Free()
		iqIndex.Free()
		oqElements.Free()
		oqIndex.Free()
		return nil, err
	}

	fromResult, err := admin.CreateOperationalQueue(ctx, ctrl.CreateQueueRequest{
		PairIndex:        pairIndex,
		ToDevice:         false,
		ElementArrayAddr: oqElements.BusAddr(),
		IndexAddr:        oqIndex.BusAddr(),
		NElements:        uint16(depth),
		ElementLength:    uint16(oqElemLen),
	})
	if err != nil {
		admin.DeleteOperationalQueue(ctx, toResult.QueueID, true)
		iqElements.Free()
		iqIndex.Free()
		oqElements.Free()
		oqIndex.Free()
		return nil, err
	}

	iq := queue.NewDeviceQueue(queue.DeviceQueueConfig{
		QueueID: toResult.QueueID, ToDevice: true,
		ElementLength: iqElemLen, NElements: depth,
		Elements: iqElements, Index: iqIndex, Region: region, PIOffset: uintptr(toResult.IndexOffset),
	})
	oq := queue.NewDeviceQueue(queue.DeviceQueueConfig{
		QueueID: fromResult.QueueID, ToDevice: false,
		ElementLength: oqElemLen, NElements: depth,
		Elements: oqElements, Index: oqIndex, Region: region, CIOffset: uintptr(fromResult.IndexOffset),
	})

	channel := queue.NewChannel(ctx, queue.ChannelConfig{
		PairIndex: pairIndex, IQ: iq, OQ: oq, Depth: depth,
		Backend: backend, Logger: logger, Observer: observer, CPU: cpu,
	})

	return &ioQueue{
		pairIndex: pairIndex, toQueueID: toResult.QueueID, fromQueueID: fromResult.QueueID,
		channel:    channel,
		iqElements: iqElements, iqIndex: iqIndex, oqElements: oqElements, oqIndex: oqIndex,
	}, nil
}

// ErrNoConnect is the synthetic completion error for a command addressed to
// a logical unit other than zero (§4.5: this driver targets a single LUN).
var ErrNoConnect = NewError("Submit", ErrCodeDeviceRejected, "command addressed to non-zero logical unit")

// Submit dispatches cmd to one I/O queue pair and returns once the command
// has been published; completion arrives later via the Backend's Complete
// callback. Commands addressed to a logical unit other than zero are
// rejected immediately with a synthetic no-connect completion instead of
// being queued (§4.5).
func (d *Device) Submit(cmd *interfaces.Command) error {
	if cmd.LUN != 0 {
		if d.backend != nil {
			d.backend.Complete(cmd, interfaces.StatusTransportError, 0, nil, ErrNoConnect)
		}
		return nil
	}

	pairIndex := 1 + int(d.cpuRR.Add(1)-1)%len(d.ioQueues)
	q := d.ioQueues[pairIndex-1]
	if err := q.channel.Submit(cmd); err != nil {
		if d.observer != nil {
			d.observer.ObserveQueueFull(pairIndex)
		}
		return wrapDriverErr("Submit", err)
	}
	return nil
}

// AbortTask requests the controller abort the in-flight request identified
// by targetRequestID (§4.9).
func (d *Device) AbortTask(ctx context.Context, targetRequestID uint16) (bool, error) {
	ok, err := d.admin.SubmitTaskManagement(ctx, 0, targetRequestID, pqi.TMFAbortTask)
	if d.observer != nil {
		d.observer.ObserveTaskManagement(ok)
	}
	if err != nil {
		return false, wrapDriverErr("AbortTask", err)
	}
	return ok, nil
}

// ResetLUN requests the controller reset the logical unit identified by lun
// (§4.9).
func (d *Device) ResetLUN(ctx context.Context, lun uint64) (bool, error) {
	ok, err := d.admin.SubmitTaskManagement(ctx, lun, 0, pqi.TMFLunReset)
	if d.observer != nil {
		d.observer.ObserveTaskManagement(ok)
	}
	if err != nil {
		return false, wrapDriverErr("ResetLUN", err)
	}
	return ok, nil
}

// Capabilities returns the capability report read during Probe.
func (d *Device) Capabilities() pqi.DeviceCapabilities { return d.caps }

// NumQueues returns the number of I/O queue pairs created by Probe.
func (d *Device) NumQueues() int { return len(d.ioQueues) }

// QueueDepth returns the per-queue-pair element count.
func (d *Device) QueueDepth() int { return d.depth }

// Metrics returns the device's metrics counters.
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close tears down every I/O queue pair, then the admin queue pair, in the
// reverse of the order Probe created them (§7's symmetric teardown). Safe
// to call more than once; only the first call does anything.
func (d *Device) Close(ctx context.Context) error {
	var firstErr error
	d.closeOnce.Do(func() {
		for i := len(d.ioQueues) - 1; i >= 0; i-- {
			q := d.ioQueues[i]
			q.channel.Stop()
			if err := d.admin.DeleteOperationalQueue(ctx, q.fromQueueID, false); err != nil && firstErr == nil {
				firstErr = wrapDriverErr("Close", err)
			}
			if err := d.admin.DeleteOperationalQueue(ctx, q.toQueueID, true); err != nil && firstErr == nil {
				firstErr = wrapDriverErr("Close", err)
			}
			q.iqElements.Free()
			q.iqIndex.Free()
			q.oqElements.Free()
			q.oqIndex.Free()
		}
		if err := d.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = wrapDriverErr("Close", err)
		}
		if d.metrics != nil {
			d.metrics.Stop()
		}
		d.cancel()
	})
	return firstErr
}
