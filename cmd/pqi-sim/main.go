// Command pqi-sim stands up an in-process simulated PQI controller, probes
// it the way a real driver would probe hardware, issues a few read and
// write commands, then tears everything down. It exists to exercise the
// driver end to end without real hardware, the same role the teacher's
// ublk-mem command plays for its own in-memory backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	pqisop "github.com/go-pqi/pqisop"
	"github.com/go-pqi/pqisop/internal/dma"
	"github.com/go-pqi/pqisop/internal/interfaces"
	"github.com/go-pqi/pqisop/internal/logging"
	"github.com/go-pqi/pqisop/internal/simdevice"
)

func main() {
	var (
		verbose    = flag.Bool("v", false, "verbose output")
		numQueues  = flag.Int("queues", 2, "number of I/O queue pairs")
		queueDepth = flag.Int("depth", 32, "elements per queue pair")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	sim := simdevice.NewController(simdevice.Config{})
	sim.Start()
	defer sim.Stop()

	backend := pqisop.NewMockBackend()
	alloc := dma.NewAllocator()

	params := pqisop.DefaultParams(backend)
	params.NumQueues = *numQueues
	params.QueueDepth = *queueDepth

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	options := &pqisop.Options{
		Context:   ctx,
		Logger:    logger,
		Registrar: sim,
	}

	logger.Info("probing simulated controller", "queues", *numQueues, "depth", *queueDepth)

	device, err := pqisop.Probe(sim.Region(), alloc, params, options)
	if err != nil {
		log.Fatalf("probe failed: %v", err)
	}
	defer func() {
		if err := device.Close(context.Background()); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	caps := device.Capabilities()
	fmt.Printf("controller ready: %d I/O queue pairs, depth %d, MaxIQs=%d MaxOQs=%d\n",
		device.NumQueues(), device.QueueDepth(), caps.MaxIQs, caps.MaxOQs)

	payload := []byte("hello from pqi-sim, round-tripped through a simulated controller")
	writeBuf, err := alloc.Alloc(len(payload))
	if err != nil {
		log.Fatalf("alloc failed: %v", err)
	}
	copy(writeBuf.Bytes(), payload)

	writeCmd := &interfaces.Command{
		LUN:       0,
		Direction: interfaces.DirToDevice,
		XferSize:  uint32(len(payload)),
		SGList:    []interfaces.SGElement{{BusAddr: writeBuf.BusAddr(), Length: uint32(len(payload))}},
	}
	if err := device.Submit(writeCmd); err != nil {
		log.Fatalf("write submit failed: %v", err)
	}

	readBuf, err := alloc.Alloc(len(payload))
	if err != nil {
		log.Fatalf("alloc failed: %v", err)
	}
	readCmd := &interfaces.Command{
		LUN:       0,
		Direction: interfaces.DirFromDevice,
		XferSize:  uint32(len(payload)),
		SGList:    []interfaces.SGElement{{BusAddr: readBuf.BusAddr(), Length: uint32(len(payload))}},
	}
	if err := device.Submit(readCmd); err != nil {
		log.Fatalf("read submit failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for backend.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i, c := range backend.Completions() {
		fmt.Printf("completion %d: status=%v residual=%d err=%v\n", i, c.Status, c.Residual, c.TransportErr)
	}

	snap := device.MetricsSnapshot()
	fmt.Printf("metrics: reads=%d writes=%d queue_full=%d link_lost=%d\n",
		snap.ReadOps, snap.WriteOps, snap.QueueFullEvents, snap.LinkLostEvents)

	os.Exit(0)
}
