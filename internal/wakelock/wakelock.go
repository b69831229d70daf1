package wakelock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"baseband-service/internal/clock"
)

const (
	// DefaultDir holds the kernel wake lock interface
	DefaultDir = "/sys/power"

	// DefaultName is the lock taken by the baseband controller
	DefaultName = "baseband_xmm_power"

	// Timeout used on L0 and at resume start
	Timeout = 2 * time.Second
)

// Lock keeps the system awake until released or until the timeout expires
type Lock interface {
	Acquire(timeout time.Duration) error
	Release() error
	Active() bool
}

// Sysfs is a kernel wake lock driven through /sys/power/wake_lock
type Sysfs struct {
	mu      sync.Mutex
	dir     string
	name    string
	clock   clock.Clock
	expires time.Time
	held    bool
	logger  func(string, ...interface{})
}

// NewSysfs creates a wake lock called name under dir
func NewSysfs(dir, name string, clk clock.Clock, logger func(string, ...interface{})) *Sysfs {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if dir == "" {
		dir = DefaultDir
	}
	if name == "" {
		name = DefaultName
	}
	return &Sysfs{dir: dir, name: name, clock: clk, logger: logger}
}

// Acquire takes the lock. A zero timeout holds it until Release.
func (w *Sysfs) Acquire(timeout time.Duration) error {
	value := w.name
	if timeout > 0 {
		value = fmt.Sprintf("%s %d", w.name, timeout.Nanoseconds())
	}
	if err := w.write("wake_lock", value); err != nil {
		return errors.Wrap(err, "failed to take wake lock")
	}

	w.mu.Lock()
	w.held = true
	if timeout > 0 {
		w.expires = w.clock.Now().Add(timeout)
	} else {
		w.expires = time.Time{}
	}
	w.mu.Unlock()

	w.logger("[PM] wake lock %s taken (%v)", w.name, timeout)
	return nil
}

func (w *Sysfs) Release() error {
	w.mu.Lock()
	held := w.held
	w.held = false
	w.mu.Unlock()

	if !held {
		return nil
	}
	if err := w.write("wake_unlock", w.name); err != nil {
		return errors.Wrap(err, "failed to drop wake lock")
	}
	return nil
}

// Active reports whether the lock is held and has not expired
func (w *Sysfs) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.held {
		return false
	}
	if !w.expires.IsZero() && !w.clock.Now().Before(w.expires) {
		w.held = false
		return false
	}
	return true
}

func (w *Sysfs) write(file, value string) error {
	f, err := os.OpenFile(filepath.Join(w.dir, file), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(value)
	return err
}

// Memory is a process-local wake lock used when the kernel interface is
// missing and in tests.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	expires  time.Time
	held     bool
	acquired int
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{clock: clk}
}

func (m *Memory) Acquire(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.held = true
	m.acquired++
	m.expires = time.Time{}
	if timeout > 0 {
		m.expires = m.clock.Now().Add(timeout)
	}
	return nil
}

func (m *Memory) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = false
	return nil
}

func (m *Memory) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return false
	}
	return m.expires.IsZero() || m.clock.Now().Before(m.expires)
}

// Acquired returns how many times the lock was taken
func (m *Memory) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Open returns the kernel wake lock when dir provides one, otherwise an
// in-memory lock.
func Open(dir string, clk clock.Clock, logger func(string, ...interface{})) Lock {
	if dir == "" {
		dir = DefaultDir
	}
	if _, err := os.Stat(filepath.Join(dir, "wake_lock")); err != nil {
		if logger != nil {
			logger("[PM] no kernel wake lock in %s, using in-memory lock", dir)
		}
		return NewMemory(clk)
	}
	return NewSysfs(dir, DefaultName, clk, logger)
}
