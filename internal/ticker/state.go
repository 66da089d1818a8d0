package ticker

// State is the ticker's position in its leadership state machine.
type State int32

const (
	// StateStopped is the state before Start and after Stop.
	StateStopped State = iota
	// StateDisabled means the ticker was started with ticking switched off.
	StateDisabled
	// StateAcquiringLease means a non-blocking lease attempt is in flight.
	StateAcquiringLease
	// StateRetrying means another process holds the lease and a retry is scheduled.
	StateRetrying
	// StateLeading means this process holds the lease and ticks every minute.
	StateLeading
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateDisabled:
		return "disabled"
	case StateAcquiringLease:
		return "acquiring_lease"
	case StateRetrying:
		return "retrying"
	case StateLeading:
		return "leading"
	default:
		return "unknown"
	}
}
