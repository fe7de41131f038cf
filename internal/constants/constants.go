package constants

import "time"

// Default configuration constants for a Device's queue layout and memory
// footprint.
const (
	// DefaultQueueDepth is the default number of elements per operational
	// queue. It is not clipped to the controller's reported capability.
	DefaultQueueDepth = 128

	// DefaultIQElementLength and DefaultOQElementLength are the default
	// element sizes in bytes for inbound and outbound queues: one Limited
	// Command IU and one Command Response, respectively.
	DefaultIQElementLength = 64
	DefaultOQElementLength = 64

	// DefaultMaxXferSize is the default maximum per-command transfer size
	// in bytes (1MB). It is exported for callers only; the driver itself
	// does not check transfer sizes against it.
	DefaultMaxXferSize = 1 << 20

	// AutoAssignDeviceID indicates the caller leaves device numbering to
	// the host-side registry rather than pinning a specific ID.
	AutoAssignDeviceID = -1

	// SGOverflowBucketCount is the number of size buckets in
	// internal/queue's GetBuffer/PutBuffer pool.
	SGOverflowBucketCount = 4
)

// Timing constants for the admin handshake and device lifecycle (§4.3).
//
// The PQI admin channel is polled rather than interrupt-driven until
// operational queues exist, so these constants govern how aggressively the
// host spins while waiting for the controller to acknowledge a register
// write or finish creating/destroying a queue.
const (
	// AdminPollMinInterval and AdminPollMaxInterval bound the poll backoff
	// while waiting for the controller to post ReadyForAdminFunction or
	// acknowledge an admin queue configuration write.
	AdminPollMinInterval = 100 * time.Microsecond
	AdminPollMaxInterval = 150 * time.Microsecond

	// AdminAckTimeout bounds how long the host waits for a single admin IU
	// round trip (create/delete operational queue, report capability).
	AdminAckTimeout = 100 * time.Millisecond

	// AdminResetTimeout bounds how long the host waits for the controller
	// to leave ResetPending after a soft reset is requested.
	AdminResetTimeout = 3 * time.Second
)

// SG overflow scratch buffer sizes, in bytes, for commands whose segment
// count exceeds the two inline descriptors in a Limited Command IU (§4.6).
const (
	SGOverflowSmall  = 128 * 1024
	SGOverflowMedium = 256 * 1024
	SGOverflowLarge  = 512 * 1024
	SGOverflowHuge   = 1024 * 1024
)
