package gpio

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "baseband-power"

// cdevLines drives lines through the GPIO character device
type cdevLines struct {
	mu       sync.Mutex
	specs    map[string]LineSpec
	lines    map[string]*gpiocdev.Line
	handlers map[string]EdgeHandler
	logger   func(string, ...interface{})
}

func openCdev(set LineSet, logger func(string, ...interface{})) (*cdevLines, error) {
	c := &cdevLines{
		specs:    specIndex(set),
		lines:    make(map[string]*gpiocdev.Line),
		handlers: make(map[string]EdgeHandler),
		logger:   logger,
	}

	// Request only, directions are set by the power sequences
	for _, spec := range set {
		line, err := c.request(spec, gpiocdev.AsIs)
		if err != nil {
			c.Close()
			return nil, &ResourceAcquisitionError{Line: spec.Name, ID: spec.ID, Err: err}
		}
		c.lines[spec.Name] = line
	}

	c.log("requested %d lines", len(c.lines))
	return c, nil
}

// resolve maps "chip:offset" or a line name to a chip and offset
func resolve(id string) (string, int, error) {
	if chip, off, ok := strings.Cut(id, ":"); ok {
		offset, err := strconv.Atoi(off)
		if err != nil {
			return "", 0, errors.Wrapf(err, "invalid offset in %q", id)
		}
		return chip, offset, nil
	}
	chip, offset, err := gpiocdev.FindLine(id)
	if err != nil {
		return "", 0, errors.Wrapf(err, "line %q not found", id)
	}
	return chip, offset, nil
}

func (c *cdevLines) request(spec LineSpec, opts ...gpiocdev.LineReqOption) (*gpiocdev.Line, error) {
	chip, offset, err := resolve(spec.ID)
	if err != nil {
		return nil, err
	}
	opts = append(opts, gpiocdev.WithConsumer(consumer))
	return gpiocdev.RequestLine(chip, offset, opts...)
}

func (c *cdevLines) Configure(cfgs ...LineConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cfg := range cfgs {
		if err := c.configure(cfg); err != nil {
			return &ConfigurationError{Line: cfg.Name, Err: err}
		}
	}
	return nil
}

func (c *cdevLines) configure(cfg LineConfig) error {
	spec, ok := c.specs[cfg.Name]
	if !ok {
		return ErrUnknownLine
	}
	_, watched := c.handlers[cfg.Name]

	line, ok := c.lines[cfg.Name]
	if !ok {
		// Released earlier, claim it again
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(cfg.Value)}
		if cfg.Direction == Input {
			opts = []gpiocdev.LineReqOption{gpiocdev.AsInput}
		}
		l, err := c.request(spec, opts...)
		if err != nil {
			return err
		}
		c.lines[cfg.Name] = l
		return nil
	}

	if cfg.Direction == Input {
		if watched {
			return line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithBothEdges)
		}
		return line.Reconfigure(gpiocdev.AsInput)
	}
	if watched {
		return line.Reconfigure(gpiocdev.AsOutput(cfg.Value), gpiocdev.WithoutEdges)
	}
	return line.Reconfigure(gpiocdev.AsOutput(cfg.Value))
}

func (c *cdevLines) line(name string) (*gpiocdev.Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, ok := c.lines[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLine, "%s not requested", name)
	}
	return line, nil
}

func (c *cdevLines) Set(name string, value int) error {
	line, err := c.line(name)
	if err != nil {
		return err
	}
	if err := line.SetValue(value); err != nil {
		return errors.Wrapf(err, "failed to set %s=%d", name, value)
	}
	return nil
}

func (c *cdevLines) Get(name string) (int, error) {
	line, err := c.line(name)
	if err != nil {
		return 0, err
	}
	v, err := line.Value()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", name)
	}
	return v, nil
}

func (c *cdevLines) Release(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, ok := c.lines[name]
	if !ok {
		return nil
	}
	delete(c.lines, name)
	return line.Close()
}

// Watch re-requests the line as an input with edge detection on both edges
func (c *cdevLines) Watch(name string, h EdgeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	spec, ok := c.specs[name]
	if !ok {
		return ErrUnknownLine
	}
	if old, ok := c.lines[name]; ok {
		old.Close()
		delete(c.lines, name)
	}

	c.handlers[name] = h
	line, err := c.request(spec,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			c.dispatch(name, evt)
		}),
	)
	if err != nil {
		delete(c.handlers, name)
		return &ResourceAcquisitionError{Line: name, ID: spec.ID, Err: err}
	}
	c.lines[name] = line
	c.log("watching %s (%s)", name, spec.ID)
	return nil
}

func (c *cdevLines) Unwatch(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[name]; !ok {
		return nil
	}
	delete(c.handlers, name)
	if line, ok := c.lines[name]; ok {
		return line.Reconfigure(gpiocdev.WithoutEdges)
	}
	return nil
}

func (c *cdevLines) dispatch(name string, evt gpiocdev.LineEvent) {
	c.mu.Lock()
	h := c.handlers[name]
	c.mu.Unlock()

	if h == nil {
		return
	}
	h(Edge{
		Line:   name,
		Rising: evt.Type == gpiocdev.LineEventRisingEdge,
		Time:   time.Now(),
	})
}

func (c *cdevLines) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, line := range c.lines {
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to release %s", name)
		}
		delete(c.lines, name)
	}
	c.handlers = make(map[string]EdgeHandler)
	c.log("lines released")
	return firstErr
}

func (c *cdevLines) log(format string, args ...interface{}) {
	c.logger("[GPIO] "+format, args...)
}
