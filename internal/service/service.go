package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"baseband-service/internal/baseband"
	"baseband-service/internal/clock"
	"baseband-service/internal/config"
	"baseband-service/internal/control"
	"baseband-service/internal/gpio"
	"baseband-service/internal/health"
	redisClient "baseband-service/internal/redis"
	"baseband-service/internal/suspend"
	"baseband-service/internal/usb"
	"baseband-service/internal/wakelock"
)

// Redis fields of the baseband hash
const (
	FieldPowerState = "power-state"
	FieldWakeState  = "wake-state"
	FieldHealth     = "health"
	FieldUSBDevice  = "usb-device"
)

var ErrUnknownCommand = errors.New("unknown command")

type Service struct {
	Config     *config.Config
	Board      *config.Board
	Redis      *redisClient.Client
	Logger     *log.Logger
	Health     *health.Health
	Controller *baseband.Controller
	USB        *usb.Observer
	WakeLock   wakelock.Lock

	changes    chan struct{}
	recovering atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg *config.Config, logger *log.Logger, version string) (*Service, error) {
	board, err := cfg.LoadBoard()
	if err != nil {
		return nil, fmt.Errorf("failed to load board profile: %v", err)
	}

	redis, err := redisClient.New(cfg.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %v", err)
	}

	s := newService(cfg, board, logger)
	s.Redis = redis
	s.Logger.Printf("baseband-service v%s, board %s (%s)", version, board.Name, board.Modem)

	lines, err := gpio.Open(board.Backend, board.Lines, s.logf)
	if err != nil {
		redis.Close()
		return nil, fmt.Errorf("failed to open gpio lines: %v", err)
	}

	host := usb.NewHost(board.USB.HostDriver, board.USB.HostDevice, usb.BindSettle, clock.Real{}, s.logf)
	lock := wakelock.Open(cfg.WakeLockDir, clock.Real{}, s.logf)
	if err := s.attach(lines, host, lock, clock.Real{}); err != nil {
		redis.Close()
		return nil, fmt.Errorf("failed to probe modem: %v", err)
	}

	return s, nil
}

func newService(cfg *config.Config, board *config.Board, logger *log.Logger) *Service {
	s := &Service{
		Config:  cfg,
		Board:   board,
		Logger:  logger,
		Health:  health.New(),
		changes: make(chan struct{}, 1),
	}
	s.USB = usb.NewObserver(cfg.SysRoot, board.USB.Vendor, board.USB.Product, s.logf)
	s.USB.OnChange(func(*usb.Device) { s.changed() })
	return s
}

// attach creates the controller. lines are owned by the controller from
// here on.
func (s *Service) attach(lines gpio.Lines, host baseband.Host, lock wakelock.Lock, clk clock.Clock) error {
	c, err := baseband.New(baseband.Options{
		Lines:    lines,
		LineSet:  s.Board.Lines,
		Variant:  s.Board.Modem,
		Host:     host,
		Autopm:   s.USB,
		WakeLock: lock,
		Health:   s.Health,
		Clock:    clk,
		Logger:   s.logf,
		Debug:    s.Config.Debug,
		OnChange: func(baseband.Status) { s.changed() },
	})
	if err != nil {
		return err
	}
	s.Controller = c
	s.WakeLock = lock
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.Redis.Ping(ctx); err != nil {
		s.Controller.Close()
		return fmt.Errorf("redis connection failed: %v", err)
	}

	if err := s.USB.Scan(); err != nil {
		s.Logger.Printf("USB scan failed: %v", err)
	}

	s.goRun(func() { s.publishLoop(ctx) })
	s.goRun(func() { s.watchUSB(ctx) })
	s.goRun(func() { s.watchSleep(ctx) })
	s.goRun(func() {
		if err := s.Redis.HandleCommands(ctx, redisClient.CommandList, s.handleCommand); err != nil {
			s.Logger.Printf("Command handler stopped: %v", err)
		}
	})

	var fifo *control.FIFO
	if s.Config.ControlFIFO != "" {
		var err error
		if fifo, err = control.NewFIFO(s.Config.ControlFIFO, s.logf); err != nil {
			s.Logger.Printf("Control FIFO disabled: %v", err)
		} else {
			s.goRun(func() {
				if err := fifo.Run(ctx, s.Controller.Control()); err != nil {
					s.Logger.Printf("Control FIFO stopped: %v", err)
				}
			})
		}
	}

	if s.Board.AutoPowerOn {
		s.Logger.Printf("Powering modem on at startup")
		if _, err := s.Controller.Control().Write([]byte{0x01}); err != nil {
			s.Logger.Printf("Auto power-on failed: %v", err)
		}
	}

	s.changed()
	<-ctx.Done()

	s.wg.Wait()
	if fifo != nil {
		fifo.Close()
	}
	err := s.Controller.Close()
	s.Redis.Close()
	return err
}

func (s *Service) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) watchUSB(ctx context.Context) {
	mon, err := usb.OpenMonitor(s.logf)
	if err != nil {
		s.Logger.Printf("USB hotplug disabled: %v", err)
		return
	}
	defer mon.Close()

	if err := mon.Run(ctx, s.USB.Handle); err != nil {
		s.Logger.Printf("USB monitor stopped: %v", err)
	}
}

func (s *Service) watchSleep(ctx context.Context) {
	l, err := suspend.NewLogind(s.Controller, s.WakeLock, s.logf)
	if err != nil {
		s.Logger.Printf("Sleep hooks disabled: %v", err)
		return
	}
	defer l.Close()

	if err := l.Run(ctx); err != nil {
		s.Logger.Printf("Sleep hooks stopped: %v", err)
	}
}

// handleCommand handles power commands from the command list
func (s *Service) handleCommand(command string) error {
	var b byte
	switch strings.TrimSpace(command) {
	case "on", "1", "enable":
		b = '1'
	case "off", "0", "disable":
		b = '0'
	default:
		return errors.Wrapf(ErrUnknownCommand, "%q", command)
	}

	s.Logger.Printf("Received baseband %s command", command)
	_, err := s.Controller.Control().Write([]byte{b})
	if errors.Is(err, baseband.ErrInvalidTransition) {
		s.debugf("Ignoring %s command: %v", command, err)
		return nil
	}
	return err
}

// changed wakes the publisher. It never blocks.
func (s *Service) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Service) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changes:
		}

		if err := s.Redis.PublishChanged(ctx, s.fields()); err != nil && ctx.Err() == nil {
			s.Logger.Printf("Failed to publish state: %v", err)
		}
		s.checkHealth()
	}
}

func (s *Service) fields() map[string]string {
	st := s.Controller.Status()
	return map[string]string{
		FieldPowerState: st.Power.String(),
		FieldWakeState:  st.Wake.String(),
		FieldHealth:     s.Health.State(),
		FieldUSBDevice:  deviceString(s.USB.Device()),
	}
}

func deviceString(d *usb.Device) string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%d-%d %04x:%04x %s", d.BusNum, d.DevNum, d.VendorID, d.ProductID, d.Product)
}

// checkHealth starts a power cycle when resumes keep failing
func (s *Service) checkHealth() {
	if !s.Health.NeedsRecovery() {
		return
	}
	if !s.Health.CanRecover() {
		if !s.Health.IsTerminal() {
			s.Health.MarkRecoveryFailed()
		}
		return
	}
	if !s.Controller.Status().Target {
		return
	}
	if !s.recovering.CompareAndSwap(false, true) {
		return
	}
	s.goRun(func() {
		defer s.recovering.Store(false)
		s.powerCycle()
	})
}

func (s *Service) powerCycle() {
	s.Health.StartRecovery()
	s.Logger.Printf("Modem not resuming, power cycling (%s)", s.Health)

	if err := s.Controller.RequestPowerOff(); err != nil {
		s.Logger.Printf("Recovery power-off failed: %v", err)
	}
	if err := s.Controller.RequestPowerOn(); err != nil {
		s.Logger.Printf("Recovery power-on failed: %v", err)
		s.Health.MarkRecoveryFailed()
	}
	s.changed()
}

func (s *Service) logf(format string, args ...interface{}) {
	s.Logger.Printf(format, args...)
}

func (s *Service) debugf(format string, args ...interface{}) {
	if s.Config.Debug {
		s.Logger.Printf(format, args...)
	}
}
