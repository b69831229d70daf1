package gpio

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Logical line names of the baseband interface
const (
	LineReset          = "reset"           // BB_RSTn
	LinePower          = "power"           // BB_ON
	LineSlaveWake      = "slave-wake"      // IPC_BB_WAKE, AP -> CP
	LineAPWake         = "ap-wake"         // IPC_AP_WAKE, CP -> AP
	LineActive         = "active"          // IPC_HSIC_ACTIVE
	LineSuspendRequest = "suspend-request" // IPC_HSIC_SUS_REQ
	LineVoltageEnable  = "voltage-enable"  // BB_VDD_EN
	LineResetPowerdown = "reset-powerdown" // AP2BB_RST_PWRDWNn
)

// Roles of auxiliary lines
const (
	RoleUART       = "uart"
	RoleRadioFatal = "radio-fatal"
)

// CoreLines lists the lines every board must provide
var CoreLines = []string{
	LineReset,
	LinePower,
	LineSlaveWake,
	LineAPWake,
	LineActive,
	LineSuspendRequest,
	LineVoltageEnable,
	LineResetPowerdown,
}

var (
	ErrConfiguration       = errors.New("gpio configuration error")
	ErrResourceAcquisition = errors.New("gpio resource acquisition error")
	ErrUnknownLine         = errors.New("unknown line")
)

// ConfigurationError reports a failed direction or level change
type ConfigurationError struct {
	Line string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configure line %s: %v", e.Line, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ResourceAcquisitionError reports a line that could not be requested
type ResourceAcquisitionError struct {
	Line string
	ID   string
	Err  error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("request line %s (%s): %v", e.Line, e.ID, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

func (e *ResourceAcquisitionError) Is(target error) bool { return target == ErrResourceAcquisition }

type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "out"
	}
	return "in"
}

// LineSpec binds a logical line to a board identifier.
//
// The identifier is opaque to the controller. The cdev backend accepts
// "chip:offset" or a line name, the periph backend a pin name.
type LineSpec struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
	Role string `yaml:"role,omitempty"`
}

// LineSet is the board line table
type LineSet []LineSpec

// Validate checks that every core line is present and that no identifier
// is used twice.
func (s LineSet) Validate() error {
	seen := make(map[string]string)
	names := make(map[string]bool)
	for _, l := range s {
		if l.Name == "" || l.ID == "" {
			return errors.Wrapf(ErrConfiguration, "line %q has no name or id", l.Name+l.ID)
		}
		if other, ok := seen[l.ID]; ok {
			return errors.Wrapf(ErrConfiguration, "lines %s and %s share id %s", other, l.Name, l.ID)
		}
		seen[l.ID] = l.Name
		names[l.Name] = true
	}
	for _, name := range CoreLines {
		if !names[name] {
			return errors.Wrapf(ErrConfiguration, "missing line %s", name)
		}
	}
	return nil
}

// ByRole returns the names of auxiliary lines with the given role
func (s LineSet) ByRole(role string) []string {
	var names []string
	for _, l := range s {
		if l.Role == role {
			names = append(names, l.Name)
		}
	}
	return names
}

// LineConfig is a requested direction and initial output level
type LineConfig struct {
	Name      string
	Direction Direction
	Value     int
}

// In returns an input configuration for name
func In(name string) LineConfig { return LineConfig{Name: name, Direction: Input} }

// Out returns an output configuration for name driven to value
func Out(name string, value int) LineConfig {
	return LineConfig{Name: name, Direction: Output, Value: value}
}

// Edge is a level transition observed on a watched line
type Edge struct {
	Line   string
	Rising bool
	Time   time.Time
}

func (e Edge) Level() int {
	if e.Rising {
		return 1
	}
	return 0
}

// EdgeHandler receives edges in the order they occurred. It is called from
// the backend's event goroutine and must not block.
type EdgeHandler func(Edge)

// Lines is the GPIO line abstraction used by the power sequencer and the
// wake protocol state machine.
type Lines interface {
	// Configure applies cfgs in order and stops at the first failure.
	// Lines configured before the failure keep their new configuration.
	Configure(cfgs ...LineConfig) error
	Set(name string, value int) error
	Get(name string) (int, error)
	// Release hands a line back to its alternate pin function. A later
	// Configure claims it again.
	Release(name string) error
	Watch(name string, h EdgeHandler) error
	Unwatch(name string) error
	Close() error
}

// Backends
const (
	BackendCdev   = "cdev"
	BackendPeriph = "periph"
	BackendSim    = "sim"
)

// Open requests every line of set on the named backend. If any request
// fails, lines already requested are released before returning.
func Open(backend string, set LineSet, logger func(string, ...interface{})) (Lines, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	var (
		lines Lines
		err   error
	)
	switch backend {
	case BackendCdev, "":
		lines, err = openCdev(set, logger)
	case BackendPeriph:
		lines, err = openPeriph(set, logger)
	case BackendSim:
		lines, err = NewSim(set, logger)
	default:
		return nil, errors.Wrapf(ErrConfiguration, "unknown gpio backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func specIndex(set LineSet) map[string]LineSpec {
	m := make(map[string]LineSpec, len(set))
	for _, l := range set {
		m[l.Name] = l
	}
	return m
}
