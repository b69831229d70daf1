package power

import (
	"time"

	"github.com/pkg/errors"

	"baseband-service/internal/clock"
	"baseband-service/internal/gpio"
)

// Timing holds the delays of the power on and off sequences
type Timing struct {
	RailSettle      time.Duration // after voltage-enable high
	ResetHold       time.Duration // reset held low
	PowerdownSettle time.Duration // after reset-powerdown high
	ResetRelease    time.Duration // after reset released
	OnPulse         time.Duration // width of the power pulse
	ActiveDelay     time.Duration // between power pulse and active
	ActiveOffDelay  time.Duration // after active low
	Discharge       time.Duration // after voltage-enable low
}

// SyncTiming is used when power on runs from a user request.
var SyncTiming = Timing{
	RailSettle:      time.Millisecond,
	ResetHold:       7 * time.Millisecond,
	PowerdownSettle: 25 * time.Millisecond,
	ResetRelease:    40 * time.Millisecond,
	OnPulse:         time.Millisecond,
	ActiveDelay:     10 * time.Millisecond,
	ActiveOffDelay:  20 * time.Millisecond,
	Discharge:       68 * time.Millisecond,
}

// AsyncTiming is used when power on is deferred to the first L0 after host
// registration. Only the power pulse is shorter.
var AsyncTiming = func() Timing {
	t := SyncTiming
	t.OnPulse = 70 * time.Microsecond
	return t
}()

// Reset sequence of flashed modems
const (
	ResetOnHold    = 40 * time.Millisecond
	ResetOnRelease = time.Millisecond
	ResetOnPulse   = 70 * time.Microsecond
)

// Sequencer runs the timed GPIO sequences that bring the modem rail and
// reset lines up and down. It has no notion of protocol state.
type Sequencer struct {
	lines  gpio.Lines
	clock  clock.Clock
	uart   []string
	fatal  []string
	all    []string
	logger func(string, ...interface{})
}

// NewSequencer creates a sequencer over lines. Auxiliary lines are taken
// from set by role.
func NewSequencer(lines gpio.Lines, set gpio.LineSet, clk clock.Clock, logger func(string, ...interface{})) *Sequencer {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Sequencer{
		lines:  lines,
		clock:  clk,
		uart:   set.ByRole(gpio.RoleUART),
		fatal:  set.ByRole(gpio.RoleRadioFatal),
		logger: logger,
	}
	for _, l := range set {
		if l.Role == gpio.RoleUART {
			continue
		}
		s.all = append(s.all, l.Name)
	}
	return s
}

// PowerOn brings up the rail, walks the reset lines and pulses the power line
func (s *Sequencer) PowerOn(t Timing) error {
	s.log("power on sequence (pulse %v)", t.OnPulse)

	steps := []struct {
		cfg  gpio.LineConfig
		wait time.Duration
	}{
		{gpio.Out(gpio.LineVoltageEnable, 1), t.RailSettle},
		{gpio.Out(gpio.LineReset, 0), t.ResetHold},
		{gpio.Out(gpio.LineResetPowerdown, 1), t.PowerdownSettle},
		{gpio.Out(gpio.LineReset, 1), t.ResetRelease},
	}
	for _, step := range steps {
		if err := s.lines.Configure(step.cfg); err != nil {
			return errors.Wrap(err, "power on failed")
		}
		s.clock.Sleep(step.wait)
	}

	if err := s.lines.Configure(s.inputs()...); err != nil {
		return errors.Wrap(err, "power on failed")
	}

	if err := s.pulse(t.OnPulse); err != nil {
		return errors.Wrap(err, "power on failed")
	}
	s.clock.Sleep(t.ActiveDelay)

	if err := s.lines.Configure(gpio.Out(gpio.LineActive, 1)); err != nil {
		return errors.Wrap(err, "power on failed")
	}

	for _, name := range s.uart {
		if err := s.lines.Release(name); err != nil {
			return errors.Wrapf(err, "failed to release %s", name)
		}
	}

	s.log("power on sequence complete")
	return nil
}

// PowerOff drops active and the rail, then quiesces every line
func (s *Sequencer) PowerOff(t Timing) error {
	s.log("power off sequence")

	if err := s.lines.Configure(gpio.Out(gpio.LineActive, 0)); err != nil {
		return errors.Wrap(err, "power off failed")
	}
	s.clock.Sleep(t.ActiveOffDelay)

	if err := s.lines.Configure(gpio.Out(gpio.LineVoltageEnable, 0)); err != nil {
		return errors.Wrap(err, "power off failed")
	}
	s.clock.Sleep(t.Discharge)

	if err := s.Quiesce(); err != nil {
		return errors.Wrap(err, "power off failed")
	}

	s.log("power off sequence complete")
	return nil
}

// Quiesce drives every line low as an output and claims the UART pins back
// from the serial port.
func (s *Sequencer) Quiesce() error {
	cfgs := make([]gpio.LineConfig, 0, len(s.all)+len(s.uart))
	for _, name := range s.all {
		cfgs = append(cfgs, gpio.Out(name, 0))
	}
	for _, name := range s.uart {
		cfgs = append(cfgs, gpio.Out(name, 0))
	}
	return s.lines.Configure(cfgs...)
}

// ResetOn resets a modem that boots from its own flash. ap-wake goes back
// to an input first so the boot handshake edges are seen.
func (s *Sequencer) ResetOn() error {
	s.log("reset sequence")

	if err := s.lines.Configure(s.inputs()...); err != nil {
		return errors.Wrap(err, "reset failed")
	}
	if err := s.lines.Configure(gpio.Out(gpio.LineReset, 0)); err != nil {
		return errors.Wrap(err, "reset failed")
	}
	s.clock.Sleep(ResetOnHold)
	if err := s.lines.Set(gpio.LineReset, 1); err != nil {
		return errors.Wrap(err, "reset failed")
	}
	s.clock.Sleep(ResetOnRelease)

	if err := s.pulse(ResetOnPulse); err != nil {
		return errors.Wrap(err, "reset failed")
	}
	return nil
}

// inputs are the lines the modem drives
func (s *Sequencer) inputs() []gpio.LineConfig {
	cfgs := []gpio.LineConfig{gpio.In(gpio.LineAPWake)}
	for _, name := range s.fatal {
		cfgs = append(cfgs, gpio.In(name))
	}
	return cfgs
}

// RailOff drives the radio-fatal and suspend-request lines low
func (s *Sequencer) RailOff() error {
	cfgs := []gpio.LineConfig{gpio.Out(gpio.LineSuspendRequest, 0)}
	for _, name := range s.fatal {
		cfgs = append(cfgs, gpio.Out(name, 0))
	}
	if err := s.lines.Configure(cfgs...); err != nil {
		return errors.Wrap(err, "rail off failed")
	}
	return nil
}

// Shutdown leaves power and reset low
func (s *Sequencer) Shutdown() error {
	if err := s.lines.Configure(gpio.Out(gpio.LinePower, 0), gpio.Out(gpio.LineReset, 0)); err != nil {
		return errors.Wrap(err, "shutdown failed")
	}
	return nil
}

func (s *Sequencer) pulse(width time.Duration) error {
	if err := s.lines.Configure(gpio.Out(gpio.LinePower, 1)); err != nil {
		return err
	}
	s.clock.Sleep(width)
	return s.lines.Set(gpio.LinePower, 0)
}

func (s *Sequencer) log(format string, args ...interface{}) {
	s.logger("[PWR] "+format, args...)
}
