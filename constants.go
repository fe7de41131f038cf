package pqisop

import "github.com/go-pqi/pqisop/internal/constants"

// Re-exported configuration defaults for callers that don't need the
// internal/constants package directly.
const (
	DefaultQueueDepth      = constants.DefaultQueueDepth
	DefaultIQElementLength = constants.DefaultIQElementLength
	DefaultOQElementLength = constants.DefaultOQElementLength
	DefaultMaxXferSize     = constants.DefaultMaxXferSize
	AutoAssignDeviceID     = constants.AutoAssignDeviceID

	AdminPollMinInterval = constants.AdminPollMinInterval
	AdminPollMaxInterval = constants.AdminPollMaxInterval
	AdminAckTimeout      = constants.AdminAckTimeout
	AdminResetTimeout    = constants.AdminResetTimeout
)
