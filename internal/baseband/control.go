package baseband

import (
	"fmt"

	"github.com/pkg/errors"
)

// Control is the single-byte on/off surface. '1' or 0x01 requests power
// on, any other byte power off. Accepted writes return at once; the power
// request runs on the dispatcher.
type Control struct {
	c *Controller
}

// Control returns the on/off surface of c
func (c *Controller) Control() *Control {
	return &Control{c: c}
}

func (w *Control) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, errors.New("empty control write")
	}
	on := p[0] == 0x01 || p[0] == '1'

	c := w.c
	c.onoff.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.onoff.Unlock()
		return 0, errors.New("controller closed")
	}
	if c.target == on {
		c.mu.Unlock()
		c.onoff.Unlock()
		return 0, errors.Wrapf(ErrInvalidTransition, "modem power already %s", onOff(on))
	}
	c.target = on
	c.seq64++
	key := fmt.Sprintf("onoff-%d", c.seq64)
	c.mu.Unlock()
	c.onoff.Unlock()

	c.log("control: power %s", onOff(on))
	c.queue.Submit(key, func() {
		var err error
		if on {
			err = c.RequestPowerOn()
		} else {
			err = c.RequestPowerOff()
		}
		if err != nil {
			c.log("control: power %s failed: %v", onOff(on), err)
		}
	})
	return len(p), nil
}

// Target reports the last accepted on/off request
func (w *Control) Target() bool {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.target
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
