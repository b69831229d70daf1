package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Sim is an in-memory line backend. The far side of the interface is driven
// with Drive, and writes made by the host can be observed with OnSet and
// History. It backs the "sim" backend and the package tests.
type Sim struct {
	mu       sync.Mutex
	specs    map[string]LineSpec
	levels   map[string]int
	dirs     map[string]Direction
	released map[string]bool
	handlers map[string]EdgeHandler
	hooks    map[string]func(int)
	failures map[string]error
	history  map[string][]int
	reads    map[string]int
	closed   bool
	logger   func(string, ...interface{})
}

// NewSim creates a simulator for set. All lines start as low inputs.
func NewSim(set LineSet, logger func(string, ...interface{})) (*Sim, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	s := &Sim{
		specs:    make(map[string]LineSpec),
		levels:   make(map[string]int),
		dirs:     make(map[string]Direction),
		released: make(map[string]bool),
		handlers: make(map[string]EdgeHandler),
		hooks:    make(map[string]func(int)),
		failures: make(map[string]error),
		history:  make(map[string][]int),
		reads:    make(map[string]int),
		logger:   logger,
	}

	ids := make(map[string]string)
	for _, spec := range set {
		if other, ok := ids[spec.ID]; ok {
			return nil, &ResourceAcquisitionError{
				Line: spec.Name,
				ID:   spec.ID,
				Err:  errors.Errorf("busy, held by %s", other),
			}
		}
		ids[spec.ID] = spec.Name
		s.specs[spec.Name] = spec
		s.dirs[spec.Name] = Input
	}
	return s, nil
}

func (s *Sim) Configure(cfgs ...LineConfig) error {
	for _, cfg := range cfgs {
		s.mu.Lock()
		if _, ok := s.specs[cfg.Name]; !ok {
			s.mu.Unlock()
			return &ConfigurationError{Line: cfg.Name, Err: ErrUnknownLine}
		}
		if err := s.failures[cfg.Name]; err != nil {
			s.mu.Unlock()
			return &ConfigurationError{Line: cfg.Name, Err: err}
		}

		s.dirs[cfg.Name] = cfg.Direction
		s.released[cfg.Name] = false
		var hook func(int)
		if cfg.Direction == Output {
			s.levels[cfg.Name] = cfg.Value
			s.history[cfg.Name] = append(s.history[cfg.Name], cfg.Value)
			hook = s.hooks[cfg.Name]
		}
		s.mu.Unlock()

		if hook != nil {
			hook(cfg.Value)
		}
	}
	return nil
}

func (s *Sim) Set(name string, value int) error {
	s.mu.Lock()
	if _, ok := s.specs[name]; !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrUnknownLine, "%s", name)
	}
	if s.released[name] {
		s.mu.Unlock()
		return errors.Errorf("line %s is released", name)
	}
	if s.dirs[name] != Output {
		s.mu.Unlock()
		return errors.Errorf("line %s is an input", name)
	}
	s.levels[name] = value
	s.history[name] = append(s.history[name], value)
	hook := s.hooks[name]
	s.mu.Unlock()

	if hook != nil {
		hook(value)
	}
	return nil
}

func (s *Sim) Get(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specs[name]; !ok {
		return 0, errors.Wrapf(ErrUnknownLine, "%s", name)
	}
	s.reads[name]++
	return s.levels[name], nil
}

func (s *Sim) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specs[name]; !ok {
		return errors.Wrapf(ErrUnknownLine, "%s", name)
	}
	s.released[name] = true
	return nil
}

func (s *Sim) Watch(name string, h EdgeHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.specs[name]; !ok {
		return errors.Wrapf(ErrUnknownLine, "%s", name)
	}
	s.dirs[name] = Input
	s.handlers[name] = h
	return nil
}

func (s *Sim) Unwatch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handlers, name)
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.handlers = make(map[string]EdgeHandler)
	return nil
}

// Drive sets the level of a line from the far side. A watched input whose
// level changes delivers an edge to its handler on the calling goroutine.
// Outputs report no edges, as with the cdev backend.
func (s *Sim) Drive(name string, value int) {
	s.mu.Lock()
	changed := s.levels[name] != value
	s.levels[name] = value
	h := s.handlers[name]
	if s.closed || s.dirs[name] == Output {
		h = nil
	}
	s.mu.Unlock()

	if changed && h != nil {
		h(Edge{Line: name, Rising: value != 0, Time: time.Now()})
	}
}

// OnSet registers fn to run after every host write to name. fn runs without
// any simulator lock held and may call Drive.
func (s *Sim) OnSet(name string, fn func(value int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[name] = fn
}

// FailConfigure makes every later Configure of name fail with err. A nil
// err clears the failure.
func (s *Sim) FailConfigure(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, name)
		return
	}
	s.failures[name] = err
}

// History returns the values written to name, oldest first
func (s *Sim) History(name string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.history[name]...)
}

// ResetHistory clears the recorded writes and read counts
func (s *Sim) ResetHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[string][]int)
	s.reads = make(map[string]int)
}

func (s *Sim) Reads(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[name]
}

func (s *Sim) Level(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[name]
}

func (s *Sim) Direction(name string) Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[name]
}

func (s *Sim) Released(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[name]
}

// Watched reports whether name has an edge handler
func (s *Sim) Watched(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[name]
	return ok
}
