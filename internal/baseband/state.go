package baseband

// PowerState is the link power state of the modem
type PowerState int

const (
	PowerUninitialized PowerState = iota
	PowerInitializing
	PowerL0     // active
	PowerL2     // suspended
	PowerL2ToL0 // resuming, always settles in L0
)

func (s PowerState) String() string {
	switch s {
	case PowerUninitialized:
		return "uninitialized"
	case PowerInitializing:
		return "initializing"
	case PowerL0:
		return "l0"
	case PowerL2:
		return "l2"
	case PowerL2ToL0:
		return "l2-to-l0"
	default:
		return "unknown"
	}
}

// WakeState is the meaning given to the ap-wake line. The boot handshake
// walks IRQReady, Init1 and Init2; from Init2 on edges are runtime wake
// signaling.
type WakeState int

const (
	WakeUninitialized WakeState = iota
	WakeIRQReady
	WakeInit1
	WakeInit2
	WakeLow
	WakeHigh
)

func (s WakeState) String() string {
	switch s {
	case WakeUninitialized:
		return "uninitialized"
	case WakeIRQReady:
		return "irq-ready"
	case WakeInit1:
		return "init1"
	case WakeInit2:
		return "init2"
	case WakeLow:
		return "low"
	case WakeHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Runtime reports whether edges are steady-state wake signaling
func (s WakeState) Runtime() bool {
	return s >= WakeInit2
}

// Flags are the runtime flags shared by the edge path, the dispatcher and
// the suspend hooks. The zero value is the post-probe state.
type Flags struct {
	CPInitiatedWake     bool
	WakeupPending       bool
	SystemSuspending    bool
	ModemSleepRequested bool
	ModemAckedResume    bool
	ModemPowerOn        bool // power sequence deferred to the first L0
	HSICRegistered      bool
}

// Status is a snapshot of the controller state
type Status struct {
	Power      PowerState
	Wake       WakeState
	Flags      Flags
	Target     bool // last accepted on/off request
	WakeSource bool // ap-wake armed as a system wake source
}
