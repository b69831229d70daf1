package suspend

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"baseband-service/internal/wakelock"
)

const (
	LogindService   = "org.freedesktop.login1"
	LogindPath      = "/org/freedesktop/login1"
	LogindInterface = "org.freedesktop.login1.Manager"
)

// Hooks are the suspend callbacks of the baseband controller
type Hooks interface {
	PrepareSuspend() bool
	SuspendNoIRQ() error
	PostSuspend()
	ResumeNoIRQ() error
}

// Logind relays systemd-logind sleep notifications to Hooks. It holds a
// delay inhibitor so that the hooks run before the system sleeps. A veto
// takes the kernel wake lock, which makes the kernel abort the suspend.
type Logind struct {
	conn   *dbus.Conn
	hooks  Hooks
	lock   wakelock.Lock
	logger func(string, ...interface{})

	mu        sync.Mutex
	inhibitor *os.File
}

// NewLogind connects to the system bus
func NewLogind(hooks Hooks, lock wakelock.Lock, logger func(string, ...interface{})) (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	return &Logind{
		conn:   conn,
		hooks:  hooks,
		lock:   lock,
		logger: logger,
	}, nil
}

// Run handles PrepareForSleep signals until ctx is done
func (l *Logind) Run(ctx context.Context) error {
	signals := make(chan *dbus.Signal, 10)
	l.conn.Signal(signals)
	defer l.conn.RemoveSignal(signals)

	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PrepareForSleep'",
		LogindService, LogindInterface)
	if err := l.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return errors.Wrap(err, "failed to add match rule")
	}

	if err := l.inhibit(); err != nil {
		return err
	}
	defer l.release()

	for {
		select {
		case <-ctx.Done():
			return nil
		case signal, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			if signal.Name != LogindInterface+".PrepareForSleep" || len(signal.Body) < 1 {
				continue
			}
			if start, ok := signal.Body[0].(bool); ok {
				l.handle(start)
			}
		}
	}
}

func (l *Logind) handle(start bool) {
	if !start {
		l.log("system resumed")
		l.hooks.ResumeNoIRQ()
		l.hooks.PostSuspend()
		if err := l.inhibit(); err != nil {
			l.log("%v", err)
		}
		return
	}

	l.log("system going to sleep")
	allow := l.hooks.PrepareSuspend()
	if allow {
		if err := l.hooks.SuspendNoIRQ(); err != nil {
			l.log("%v", err)
			allow = false
		}
	}
	if !allow {
		if err := l.lock.Acquire(wakelock.Timeout); err != nil {
			l.log("failed to veto suspend: %v", err)
		}
	}
	l.release()
}

// inhibit takes a delay inhibitor lock
func (l *Logind) inhibit() error {
	if l.conn == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inhibitor != nil {
		return nil
	}

	var fd dbus.UnixFD
	obj := l.conn.Object(LogindService, LogindPath)
	err := obj.Call(LogindInterface+".Inhibit", 0,
		"sleep", "baseband-service", "Checking modem wakeups", "delay").Store(&fd)
	if err != nil {
		return errors.Wrap(err, "failed to take sleep inhibitor")
	}
	l.inhibitor = os.NewFile(uintptr(fd), "sleep-inhibitor")
	return nil
}

func (l *Logind) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inhibitor == nil {
		return
	}
	l.inhibitor.Close()
	l.inhibitor = nil
}

// Close releases the inhibitor and the bus connection
func (l *Logind) Close() error {
	l.release()
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func (l *Logind) log(format string, args ...interface{}) {
	l.logger("[PM] "+format, args...)
}
