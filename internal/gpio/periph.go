package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type periphWatch struct {
	handler EdgeHandler
	stop    chan struct{}
	done    chan struct{}
}

// periphLines drives lines through the periph.io host drivers. It is used on
// boards whose pins are registered by name, such as the Raspberry Pi family.
type periphLines struct {
	mu       sync.Mutex
	specs    map[string]LineSpec
	pins     map[string]gpio.PinIO
	released map[string]bool
	watches  map[string]*periphWatch
	logger   func(string, ...interface{})
}

func openPeriph(set LineSet, logger func(string, ...interface{})) (*periphLines, error) {
	if _, err := host.Init(); err != nil {
		return nil, &ResourceAcquisitionError{Line: "*", ID: "host", Err: errors.Wrap(err, "periph host init failed")}
	}

	p := &periphLines{
		specs:    specIndex(set),
		pins:     make(map[string]gpio.PinIO),
		released: make(map[string]bool),
		watches:  make(map[string]*periphWatch),
		logger:   logger,
	}
	for _, spec := range set {
		pin := gpioreg.ByName(spec.ID)
		if pin == nil {
			return nil, &ResourceAcquisitionError{Line: spec.Name, ID: spec.ID, Err: errors.New("pin not registered")}
		}
		p.pins[spec.Name] = pin
	}

	p.log("resolved %d pins", len(p.pins))
	return p, nil
}

func level(v int) gpio.Level {
	if v != 0 {
		return gpio.High
	}
	return gpio.Low
}

func (p *periphLines) pin(name string) (gpio.PinIO, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pin, ok := p.pins[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLine, "%s", name)
	}
	return pin, nil
}

func (p *periphLines) Configure(cfgs ...LineConfig) error {
	for _, cfg := range cfgs {
		if err := p.configure(cfg); err != nil {
			return &ConfigurationError{Line: cfg.Name, Err: err}
		}
	}
	return nil
}

func (p *periphLines) configure(cfg LineConfig) error {
	pin, err := p.pin(cfg.Name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	w := p.watches[cfg.Name]
	delete(p.released, cfg.Name)
	p.mu.Unlock()

	if cfg.Direction == Output {
		// The watcher would block on a pin that no longer reports edges
		if w != nil {
			p.stopWatch(pin, w)
		}
		return pin.Out(level(cfg.Value))
	}

	edge := gpio.NoEdge
	if w != nil {
		edge = gpio.BothEdges
	}
	if err := pin.In(gpio.PullNoChange, edge); err != nil {
		return err
	}
	if w != nil {
		p.startWatch(cfg.Name, pin, w.handler)
	}
	return nil
}

func (p *periphLines) Set(name string, value int) error {
	pin, err := p.pin(name)
	if err != nil {
		return err
	}
	if err := pin.Out(level(value)); err != nil {
		return errors.Wrapf(err, "failed to set %s=%d", name, value)
	}
	return nil
}

func (p *periphLines) Get(name string) (int, error) {
	pin, err := p.pin(name)
	if err != nil {
		return 0, err
	}
	if pin.Read() == gpio.High {
		return 1, nil
	}
	return 0, nil
}

// Release leaves the pin as a floating input. periph has no notion of
// handing a pin back to its alternate function.
func (p *periphLines) Release(name string) error {
	pin, err := p.pin(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.released[name] = true
	p.mu.Unlock()
	return pin.In(gpio.Float, gpio.NoEdge)
}

func (p *periphLines) Watch(name string, h EdgeHandler) error {
	pin, err := p.pin(name)
	if err != nil {
		return err
	}
	if err := pin.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		return &ResourceAcquisitionError{Line: name, ID: pin.Name(), Err: err}
	}
	p.startWatch(name, pin, h)
	p.log("watching %s (%s)", name, pin.Name())
	return nil
}

func (p *periphLines) startWatch(name string, pin gpio.PinIO, h EdgeHandler) {
	w := &periphWatch{
		handler: h,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	p.watches[name] = w
	p.mu.Unlock()

	go func() {
		defer close(w.done)
		last := pin.Read()
		for {
			ok := pin.WaitForEdge(-1)
			select {
			case <-w.stop:
				return
			default:
			}
			if !ok {
				continue
			}
			l := pin.Read()
			if l == last {
				continue
			}
			last = l
			w.handler(Edge{Line: name, Rising: l == gpio.High, Time: time.Now()})
		}
	}()
}

// stopWatch ends the watcher goroutine but keeps the handler registered so
// that configuring the pin back to input resumes delivery.
func (p *periphLines) stopWatch(pin gpio.PinIO, w *periphWatch) {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	pin.Halt()
	<-w.done
}

func (p *periphLines) Unwatch(name string) error {
	pin, err := p.pin(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	w, ok := p.watches[name]
	delete(p.watches, name)
	p.mu.Unlock()

	if ok {
		p.stopWatch(pin, w)
	}
	return nil
}

func (p *periphLines) Close() error {
	p.mu.Lock()
	names := make([]string, 0, len(p.watches))
	for name := range p.watches {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.Unwatch(name)
	}
	p.log("pins released")
	return nil
}

func (p *periphLines) log(format string, args ...interface{}) {
	p.logger("[GPIO] "+format, args...)
}
