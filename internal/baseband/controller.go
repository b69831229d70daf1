package baseband

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"baseband-service/internal/clock"
	"baseband-service/internal/gpio"
	"baseband-service/internal/health"
	"baseband-service/internal/power"
	"baseband-service/internal/wakelock"
	"baseband-service/internal/worker"
)

// Resume handshake timing
const (
	ResumeAttempts     = 3
	ResumePollInterval = time.Millisecond
	ResumePollTimeout  = time.Second
	ResumeToggleDelay  = 5 * time.Millisecond

	AckPollInterval = 10 * time.Millisecond
	AckPollTimeout  = 110 * time.Millisecond // 11 polls
	AckGiveUpDelay  = 20 * time.Millisecond
)

// Host registers and unregisters the HSIC host controller
type Host interface {
	Register() (string, error)
	Unregister(handle string) error
}

// Autopm wakes the attached modem through USB runtime PM
type Autopm interface {
	Resume() error
}

// Options configure a Controller
type Options struct {
	// Lines is owned by the controller from New on and closed by Close,
	// or by New itself when it fails.
	Lines    gpio.Lines
	LineSet  gpio.LineSet
	Variant  Variant
	Host     Host
	Autopm   Autopm
	WakeLock wakelock.Lock
	Health   *health.Health
	Clock    clock.Clock
	Logger   func(string, ...interface{})
	Debug    bool
	// OnChange is called after every state change, without locks held
	OnChange func(Status)
}

// Controller owns the power and wake handshake of one modem
type Controller struct {
	lines    gpio.Lines
	seq      *power.Sequencer
	variant  Variant
	host     Host
	autopm   Autopm
	wakelock wakelock.Lock
	health   *health.Health
	clock    clock.Clock
	queue    *worker.Queue
	logger   func(string, ...interface{})
	debug    bool
	onChange func(Status)

	// onoff serializes power requests end to end
	onoff sync.Mutex
	// statusMu serializes SetPowerStatus calls. Taken before mu.
	statusMu sync.Mutex

	// mu guards everything below. No GPIO, logging or sleeping while held.
	mu         sync.Mutex
	power      PowerState
	wake       WakeState
	flags      Flags
	target     bool
	wakeSource bool
	handle     string
	cycle      uint64
	seq64      uint64
	closed     bool
}

// New probes the modem: lines are driven to their off levels, ap-wake is
// watched and the board's initial work is queued. If New fails, every
// acquired resource is released.
func New(opts Options) (*Controller, error) {
	if opts.Lines == nil {
		return nil, errors.Wrap(ErrConfiguration, "no gpio lines")
	}
	if opts.Logger == nil {
		opts.Logger = func(string, ...interface{}) {}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.WakeLock == nil {
		opts.WakeLock = wakelock.NewMemory(opts.Clock)
	}
	if opts.Health == nil {
		opts.Health = health.New()
	}

	c := &Controller{
		lines:    opts.Lines,
		seq:      power.NewSequencer(opts.Lines, opts.LineSet, opts.Clock, opts.Logger),
		variant:  opts.Variant,
		host:     opts.Host,
		autopm:   opts.Autopm,
		wakelock: opts.WakeLock,
		health:   opts.Health,
		clock:    opts.Clock,
		logger:   opts.Logger,
		debug:    opts.Debug,
		onChange: opts.OnChange,
		wake:     opts.Variant.ProbePhase(),
	}

	// Lines stay quiet until the first power-on
	if err := c.seq.Quiesce(); err != nil {
		c.lines.Close()
		return nil, errors.Wrap(err, "probe failed")
	}

	c.queue = worker.New("baseband", opts.Logger)

	if err := c.lines.Watch(gpio.LineAPWake, c.HandleEdge); err != nil {
		c.queue.Close()
		c.lines.Close()
		return nil, errors.Wrap(err, "probe failed")
	}

	c.log("probed %s, wake phase %s", c.variant, c.wake)
	c.queue.Submit("init", c.initWork)
	return c, nil
}

// initWork is the board-specific work queued at probe
func (c *Controller) initWork() {
	switch {
	case c.variant.Flash && !c.variant.PM:
		c.registerHost()
	case c.variant.Flash && c.variant.PM:
		c.onoff.Lock()
		defer c.onoff.Unlock()

		c.mu.Lock()
		c.flags.ModemAckedResume = true
		c.target = true
		c.power = PowerInitializing
		c.wakeSource = true
		c.mu.Unlock()

		if err := c.lines.Configure(gpio.Out(gpio.LineActive, 0)); err != nil {
			c.log("init: %v", err)
		}
		if err := c.seq.ResetOn(); err != nil {
			c.log("init: %v", err)
		}
		c.notify()
	case !c.variant.Flash && c.variant.PM:
		c.debugf("init: flashless modem waits for a power-on request")
	}
}

// RequestPowerOn powers the modem up. It fails with ErrInvalidTransition
// unless the modem is off.
func (c *Controller) RequestPowerOn() error {
	if c.host == nil {
		return errors.Wrap(ErrConfiguration, "no host controller")
	}

	c.onoff.Lock()
	defer c.onoff.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller closed")
	}
	if c.power != PowerUninitialized {
		state := c.power
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "power on requested in %s", state)
	}
	c.target = true
	c.power = PowerInitializing
	c.flags = Flags{ModemAckedResume: true, HSICRegistered: c.flags.HSICRegistered}
	c.wake = c.variant.PowerOnPhase()
	c.wakeSource = true
	registered := c.flags.HSICRegistered
	if !c.variant.Flash && !registered {
		// First power on of this cycle: the rail comes up at the first L0
		c.flags.ModemPowerOn = true
	}
	wake := c.wake
	c.mu.Unlock()

	c.log("power on (%s, wake phase %s)", c.variant, wake)
	c.notify()

	if c.variant.Flash {
		if err := c.lines.Configure(gpio.Out(gpio.LineActive, 0)); err != nil {
			return errors.Wrap(err, "power on failed")
		}
		if err := c.seq.ResetOn(); err != nil {
			return errors.Wrap(err, "power on failed")
		}
		return nil
	}

	if !registered {
		return c.registerHost()
	}

	handle, err := c.host.Register()
	if err != nil {
		return errors.Wrap(err, "power on failed")
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()

	if err := c.seq.PowerOn(power.AsyncTiming); err != nil {
		return errors.Wrap(err, "power on failed")
	}
	c.enqueueStatus(PowerL0)
	return nil
}

// RequestPowerOff runs the power-down sequence and returns every flag to
// its post-probe value. It fails with ErrInvalidTransition when the modem
// is already off.
func (c *Controller) RequestPowerOff() error {
	if c.host == nil {
		return errors.Wrap(ErrConfiguration, "no host controller")
	}

	c.onoff.Lock()
	defer c.onoff.Unlock()
	// Held until the lines are quiet: a deferred power-on in L0 must not
	// interleave with the power-down sequence.
	c.statusMu.Lock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.statusMu.Unlock()
		return errors.New("controller closed")
	}
	if c.power == PowerUninitialized {
		c.mu.Unlock()
		c.statusMu.Unlock()
		return errors.Wrap(ErrInvalidTransition, "modem already off")
	}
	c.target = false
	c.wake = WakeUninitialized
	c.wakeSource = false
	handle := c.handle
	c.mu.Unlock()

	c.log("power off")

	var firstErr error
	if err := c.host.Unregister(handle); err != nil {
		c.log("failed to unregister host: %v", err)
		firstErr = err
	}
	if err := c.seq.PowerOff(power.SyncTiming); err != nil {
		c.log("%v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	c.mu.Lock()
	c.power = PowerUninitialized
	c.flags = Flags{}
	c.handle = ""
	c.cycle++
	c.mu.Unlock()
	c.statusMu.Unlock()

	if err := c.seq.RailOff(); err != nil {
		c.log("%v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	c.notify()
	if firstErr != nil {
		return errors.Wrap(firstErr, "power off incomplete")
	}
	return nil
}

// SetPowerStatus drives the L0, L2 and L2ToL0 transitions. A request for
// the current state is a no-op. It may block for the duration of a resume
// handshake and must not be called from an edge handler.
func (c *Controller) SetPowerStatus(status PowerState) error {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	c.mu.Lock()
	from := c.power
	if from == status {
		c.mu.Unlock()
		return nil
	}
	if from == PowerUninitialized && status >= PowerL0 {
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s while modem is off", status)
	}

	var err error
	switch status {
	case PowerL0:
		c.power = PowerL0
		powerOn := c.flags.ModemPowerOn
		c.flags.ModemPowerOn = false
		acked := c.flags.ModemAckedResume
		c.mu.Unlock()

		c.log("L0")
		err = c.enterL0(powerOn, acked)

	case PowerL2:
		c.flags.ModemAckedResume = false
		if c.flags.WakeupPending {
			c.mu.Unlock()
			c.debugf("L2 requested with a wakeup pending, resuming")
			err = c.l2Resume()
			break
		}
		c.flags.ModemSleepRequested = true
		c.power = PowerL2
		c.mu.Unlock()

		c.log("L2")
		if c.wakelock.Active() {
			if rerr := c.wakelock.Release(); rerr != nil {
				c.log("%v", rerr)
			}
		}

	case PowerL2ToL0:
		c.flags.SystemSuspending = false
		c.flags.WakeupPending = false
		c.power = PowerL2ToL0
		c.mu.Unlock()

		c.debugf("L2ToL0 from %s", from)
		if from == PowerL2 {
			err = c.l2Resume()
		}
		c.enqueueStatus(PowerL0)

	default:
		c.power = status
		c.mu.Unlock()
	}

	c.notify()
	return err
}

func (c *Controller) enterL0(powerOn, acked bool) error {
	if !c.wakelock.Active() {
		if err := c.wakelock.Acquire(wakelock.Timeout); err != nil {
			c.log("%v", err)
		}
	}

	// active high for enumeration
	if v, err := c.lines.Get(gpio.LineActive); err != nil || v == 0 {
		if err := c.lines.Configure(gpio.Out(gpio.LineActive, 1)); err != nil {
			c.log("L0: %v", err)
		}
	}

	var firstErr error
	if powerOn {
		if err := c.seq.PowerOn(power.SyncTiming); err != nil {
			c.log("L0: %v", err)
			firstErr = err
		}
	}

	if !acked {
		c.waitResumeAck()
	}

	if v, _ := c.lines.Get(gpio.LineSlaveWake); v == 1 {
		if err := c.lines.Set(gpio.LineSlaveWake, 0); err != nil {
			c.log("L0: %v", err)
		}
	}
	return firstErr
}

// waitResumeAck gives the modem a little time to acknowledge a resume it
// did not start. The transition completes either way.
func (c *Controller) waitResumeAck() {
	acked := clock.Poll(c.clock, AckPollInterval, AckPollTimeout, func() bool {
		c.mu.Lock()
		a := c.flags.ModemAckedResume
		c.mu.Unlock()
		if a {
			return true
		}
		v, err := c.lines.Get(gpio.LineAPWake)
		return err == nil && v == 1
	})
	if acked {
		c.mu.Lock()
		c.flags.ModemAckedResume = true
		c.mu.Unlock()
		return
	}

	// Poke both wake lines once more. ap-wake is normally an input so the
	// first writes are expected to fail on most boards.
	if err := c.lines.Set(gpio.LineAPWake, 0); err != nil {
		c.debugf("ap-wake toggle: %v", err)
	} else {
		c.clock.Sleep(ResumeToggleDelay)
		if err := c.lines.Set(gpio.LineAPWake, 1); err != nil {
			c.debugf("ap-wake toggle: %v", err)
		}
	}
	c.clock.Sleep(AckPollInterval)
	if err := c.lines.Set(gpio.LineSlaveWake, 0); err != nil {
		c.debugf("slave-wake toggle: %v", err)
	}
	c.clock.Sleep(ResumeToggleDelay)
	if err := c.lines.Set(gpio.LineSlaveWake, 1); err != nil {
		c.debugf("slave-wake toggle: %v", err)
	}

	c.log("modem did not acknowledge resume")
	c.clock.Sleep(AckGiveUpDelay)
}

// l2Resume wakes the link from L2. When ap-wake is high the AP starts the
// wake and waits for the modem to drop ap-wake; otherwise the modem
// started it and only the USB side needs a kick.
func (c *Controller) l2Resume() error {
	if !c.wakelock.Active() {
		if err := c.wakelock.Acquire(wakelock.Timeout); err != nil {
			c.log("%v", err)
		}
	}

	c.mu.Lock()
	c.flags.ModemSleepRequested = false
	c.flags.WakeupPending = false
	c.mu.Unlock()

	v, err := c.lines.Get(gpio.LineAPWake)
	if err != nil {
		return errors.Wrap(err, "resume failed")
	}

	if v == 0 {
		c.mu.Lock()
		c.flags.CPInitiatedWake = false
		c.mu.Unlock()

		c.log("CP L2->L0")
		c.queue.Submit("l2-resume", c.autopmResume)
		return nil
	}

	c.log("AP L2->L0")
	if err := c.lines.Configure(gpio.Out(gpio.LineSlaveWake, 1)); err != nil {
		return errors.Wrap(err, "resume failed")
	}

	if c.waitModemWake() {
		c.debugf("modem answered resume")
		c.health.MarkNormal()
		return nil
	}

	err = errors.Wrapf(ErrResumeTimeout, "no answer after %d attempts", ResumeAttempts)
	c.log("AP L2->L0 failed: %v", err)
	c.health.RecordResumeFailure(c.clock.Now(), err)
	return err
}

// waitModemWake polls for ap-wake low, re-requesting the wake between
// attempts.
func (c *Controller) waitModemWake() bool {
	low := func() bool {
		v, err := c.lines.Get(gpio.LineAPWake)
		return err == nil && v == 0
	}

	for attempt := 0; attempt < ResumeAttempts; attempt++ {
		if attempt > 0 {
			c.log("retrying L2->L0 (attempt %d)", attempt+1)
			if err := c.lines.Set(gpio.LineSlaveWake, 0); err != nil {
				c.debugf("slave-wake toggle: %v", err)
			}
			c.clock.Sleep(ResumeToggleDelay)
			if err := c.lines.Set(gpio.LineSlaveWake, 1); err != nil {
				c.debugf("slave-wake toggle: %v", err)
			}
		}
		if clock.Poll(c.clock, ResumePollInterval, ResumePollTimeout, low) {
			return true
		}
	}
	return false
}

// HandleEdge is the ap-wake edge entry point. It never blocks: state is
// updated under the lock and anything that sleeps goes to the dispatcher.
func (c *Controller) HandleEdge(e gpio.Edge) {
	c.mu.Lock()
	wake := c.wake
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	if wake.Runtime() {
		c.runtimeEdge(e)
		return
	}
	c.bootEdge(e)
}

func (c *Controller) bootEdge(e gpio.Edge) {
	var msg string

	c.mu.Lock()
	switch c.wake {
	case WakeIRQReady:
		if e.Rising {
			c.wake = WakeInit1
			msg = "boot handshake: rising edge"
		}
	case WakeInit1:
		if e.Rising {
			msg = "boot handshake: unexpected rising edge"
			break
		}
		c.wake = WakeInit2
		msg = "boot handshake: falling edge, modem up"
		c.queue.Submit("init2", c.init2Work)
	default:
		msg = "spurious ap-wake edge"
	}
	c.mu.Unlock()

	if msg != "" {
		c.debugf("%s (level %d)", msg, e.Level())
	}
	c.notify()
}

func (c *Controller) runtimeEdge(e gpio.Edge) {
	if !e.Rising {
		c.fallingEdge()
		return
	}

	active, _ := c.lines.Get(gpio.LineActive)

	c.mu.Lock()
	c.flags.ModemAckedResume = true
	c.wake = WakeHigh
	if active == 0 {
		c.mu.Unlock()
		c.debugf("host active low: ignoring ap-wake rising edge")
		return
	}
	c.flags.ModemSleepRequested = false
	c.queue.Submit("autopm-resume", c.autopmResume)
	c.mu.Unlock()
}

func (c *Controller) fallingEdge() {
	slave, _ := c.lines.Get(gpio.LineSlaveWake)

	c.mu.Lock()
	c.wake = WakeLow
	if slave == 1 {
		c.mu.Unlock()
		c.debugf("modem acknowledged slave wake")
		c.enqueueStatus(PowerL2ToL0)
		return
	}

	c.flags.WakeupPending = true
	suspending := c.flags.SystemSuspending
	resume := false
	if !suspending {
		c.flags.CPInitiatedWake = true
		resume = c.power == PowerL2 || c.power == PowerL2ToL0
	}
	c.mu.Unlock()

	if suspending {
		c.log("modem wakeup while system is suspending")
		return
	}
	if resume {
		c.enqueueStatus(PowerL2ToL0)
	}
}

// init2Work runs once the boot handshake completed
func (c *Controller) init2Work() {
	c.mu.Lock()
	registered := c.flags.HSICRegistered
	c.mu.Unlock()

	if !registered {
		c.registerHost()
		return
	}
	c.enqueueStatus(PowerL0)
}

func (c *Controller) registerHost() error {
	if c.host == nil {
		return errors.Wrap(ErrConfiguration, "no host controller")
	}

	handle, err := c.host.Register()
	if err != nil {
		c.log("failed to register host: %v", err)
		return errors.Wrap(err, "host registration failed")
	}

	c.mu.Lock()
	c.handle = handle
	c.flags.HSICRegistered = true
	c.mu.Unlock()

	c.log("host %s registered", handle)
	c.enqueueStatus(PowerL0)
	return nil
}

func (c *Controller) autopmResume() {
	if c.autopm == nil {
		return
	}
	if err := c.autopm.Resume(); err != nil {
		c.log("USB device did not resume: %v", err)
	}
}

// enqueueStatus queues a SetPowerStatus call. A call queued before the
// modem was powered off is dropped.
func (c *Controller) enqueueStatus(status PowerState) {
	c.mu.Lock()
	cycle := c.cycle
	c.seq64++
	key := fmt.Sprintf("status-%s-%d", status, c.seq64)
	c.mu.Unlock()

	c.queue.Submit(key, func() {
		c.mu.Lock()
		stale := c.cycle != cycle
		c.mu.Unlock()
		if stale {
			c.debugf("dropping %s queued before power off", status)
			return
		}
		if err := c.SetPowerStatus(status); err != nil {
			c.log("set %s: %v", status, err)
		}
	})
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Power:      c.power,
		Wake:       c.wake,
		Flags:      c.flags,
		Target:     c.target,
		WakeSource: c.wakeSource,
	}
}

// Flush waits until all queued work has run
func (c *Controller) Flush() {
	c.queue.Flush()
}

// Shutdown leaves the modem held in reset at system shutdown
func (c *Controller) Shutdown() error {
	if err := c.lines.Unwatch(gpio.LineAPWake); err != nil {
		c.debugf("unwatch ap-wake: %v", err)
	}
	return c.seq.Shutdown()
}

// Close stops edge delivery, drains queued work, unregisters the host and
// releases the lines.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.lines.Unwatch(gpio.LineAPWake); err != nil {
		c.debugf("unwatch ap-wake: %v", err)
	}
	c.queue.Close()

	c.mu.Lock()
	registered := c.flags.HSICRegistered
	handle := c.handle
	c.mu.Unlock()

	if registered && c.host != nil {
		if err := c.host.Unregister(handle); err != nil {
			c.log("failed to unregister host: %v", err)
		}
	}
	if c.wakelock.Active() {
		if err := c.wakelock.Release(); err != nil {
			c.debugf("wake lock: %v", err)
		}
	}
	return c.lines.Close()
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.Status())
	}
}

func (c *Controller) log(format string, args ...interface{}) {
	c.logger("[BB] "+format, args...)
}

func (c *Controller) debugf(format string, args ...interface{}) {
	if c.debug {
		c.logger("[BB] "+format, args...)
	}
}
