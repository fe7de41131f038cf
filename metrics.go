package pqisop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pqi/pqisop/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-device operational statistics. CurrOutstanding is
// atomic and updated on every submit/complete; MaxOutstanding is compared
// and updated under hwmMu, the narrow lock the ordering guarantees in §5
// call for: the stats lock is held only for that comparison, never across a
// submit or a completion.
type Metrics struct {
	CurrOutstanding atomic.Int64

	hwmMu          sync.Mutex
	MaxOutstanding int64

	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	OtherOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	OtherErrors atomic.Uint64

	QueueFullEvents atomic.Uint64
	LinkLostEvents  atomic.Uint64
	TMFOK           atomic.Uint64
	TMFFailed       atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts). bucket[i] holds the
	// count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Submitted records that a command has been published to an inbound ring:
// bumps curr_outstanding and, under the narrow lock, the high-watermark.
func (m *Metrics) Submitted() {
	v := m.CurrOutstanding.Add(1)

	m.hwmMu.Lock()
	if v > m.MaxOutstanding {
		m.MaxOutstanding = v
	}
	m.hwmMu.Unlock()
}

// RecordRead records a completed read (from-device) operation.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.CurrOutstanding.Add(-1)
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write (to-device) operation.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.CurrOutstanding.Add(-1)
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordOther records a completed command with no data direction (task
// management, report LUNs, and the like).
func (m *Metrics) RecordOther(latencyNs uint64, success bool) {
	m.CurrOutstanding.Add(-1)
	m.OtherOps.Add(1)
	if !success {
		m.OtherErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueFull records a rejected submission due to a full inbound ring.
func (m *Metrics) RecordQueueFull() {
	m.QueueFullEvents.Add(1)
}

// RecordLinkLost records a completion synthesized because the link was
// found down rather than returned by the controller (§7).
func (m *Metrics) RecordLinkLost() {
	m.LinkLostEvents.Add(1)
}

// RecordTaskManagement records the outcome of an abort/reset task management
// function.
func (m *Metrics) RecordTaskManagement(success bool) {
	if success {
		m.TMFOK.Add(1)
	} else {
		m.TMFFailed.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	CurrOutstanding int64
	MaxOutstanding  int64

	ReadOps  uint64
	WriteOps uint64
	OtherOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64
	OtherErrors uint64

	QueueFullEvents uint64
	LinkLostEvents  uint64
	TMFOK           uint64
	TMFFailed       uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.hwmMu.Lock()
	hwm := m.MaxOutstanding
	m.hwmMu.Unlock()

	snap := MetricsSnapshot{
		CurrOutstanding: m.CurrOutstanding.Load(),
		MaxOutstanding:  hwm,
		ReadOps:         m.ReadOps.Load(),
		WriteOps:        m.WriteOps.Load(),
		OtherOps:        m.OtherOps.Load(),
		ReadBytes:       m.ReadBytes.Load(),
		WriteBytes:      m.WriteBytes.Load(),
		ReadErrors:      m.ReadErrors.Load(),
		WriteErrors:     m.WriteErrors.Load(),
		OtherErrors:     m.OtherErrors.Load(),
		QueueFullEvents: m.QueueFullEvents.Load(),
		LinkLostEvents:  m.LinkLostEvents.Load(),
		TMFOK:           m.TMFOK.Load(),
		TMFFailed:       m.TMFFailed.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.OtherOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.OtherErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver is a no-op interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(interfaces.DataDirection, uint32)                           {}
func (NoOpObserver) ObserveComplete(interfaces.DataDirection, uint32, time.Duration, interfaces.Status) {}
func (NoOpObserver) ObserveQueueFull(int)                                                     {}
func (NoOpObserver) ObserveLinkLost()                                                         {}
func (NoOpObserver) ObserveTaskManagement(bool)                                               {}

// MetricsObserver implements interfaces.Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(dir interfaces.DataDirection, bytes uint32) {
	o.metrics.Submitted()
}

func (o *MetricsObserver) ObserveComplete(dir interfaces.DataDirection, bytes uint32, latency time.Duration, status interfaces.Status) {
	success := status == interfaces.StatusOK
	switch dir {
	case interfaces.DirToDevice:
		o.metrics.RecordWrite(uint64(bytes), uint64(latency), success)
	case interfaces.DirFromDevice:
		o.metrics.RecordRead(uint64(bytes), uint64(latency), success)
	default:
		o.metrics.RecordOther(uint64(latency), success)
	}
}

func (o *MetricsObserver) ObserveQueueFull(queuePair int) {
	o.metrics.RecordQueueFull()
}

func (o *MetricsObserver) ObserveLinkLost() {
	o.metrics.RecordLinkLost()
}

func (o *MetricsObserver) ObserveTaskManagement(success bool) {
	o.metrics.RecordTaskManagement(success)
}

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = (*NoOpObserver)(nil)
