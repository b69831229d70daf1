package baseband

// PrepareSuspend is called before the system suspends. It returns false to
// veto the suspend when the wake lock is held or a modem wakeup is pending;
// a pending wakeup is consumed by the veto.
func (c *Controller) PrepareSuspend() bool {
	if c.wakelock.Active() {
		c.log("wake lock active, aborting suspend")
		return false
	}

	c.mu.Lock()
	if c.flags.WakeupPending {
		c.flags.WakeupPending = false
		c.mu.Unlock()
		c.log("modem busy, aborting suspend")
		return false
	}
	c.flags.SystemSuspending = true
	c.mu.Unlock()
	return true
}

// PostSuspend is called after resume, or after an aborted suspend. A modem
// wakeup that arrived while suspending is serviced here.
func (c *Controller) PostSuspend() {
	c.mu.Lock()
	c.flags.SystemSuspending = false
	if c.flags.WakeupPending && c.power == PowerL2 {
		c.flags.WakeupPending = false
		c.flags.CPInitiatedWake = true
		c.mu.Unlock()

		c.log("servicing pending modem wakeup")
		if err := c.SetPowerStatus(PowerL2ToL0); err != nil {
			c.log("%v", err)
		}
		return
	}
	c.flags.WakeupPending = false
	c.mu.Unlock()
}

// SuspendNoIRQ is the last chance to veto a suspend: a wakeup that arrived
// after PrepareSuspend aborts it. The system stays marked as suspending and
// the wakeup stays pending until PostSuspend services it.
func (c *Controller) SuspendNoIRQ() error {
	c.mu.Lock()
	pending := c.flags.WakeupPending
	c.mu.Unlock()

	if pending {
		c.log("aborting suspend: modem wakeup")
		return ErrSuspendAborted
	}
	return nil
}

// ResumeNoIRQ has nothing to do
func (c *Controller) ResumeNoIRQ() error {
	return nil
}
