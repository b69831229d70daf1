package baseband

import "fmt"

// Version1130 is the first modem firmware that skips the Init1 phase
const Version1130 = 1130

// Variant selects the board-specific behaviour of the controller
type Variant struct {
	// Version is the modem firmware version, e.g. 1130
	Version int `yaml:"version"`
	// Flash is set for modems that boot from their own flash
	Flash bool `yaml:"flash"`
	// PM enables the wake handshake at probe
	PM bool `yaml:"pm"`
}

// ProbePhase is the wake phase the controller starts in
func (v Variant) ProbePhase() WakeState {
	if !v.Flash || !v.PM {
		return WakeUninitialized
	}
	if v.Version >= Version1130 {
		return WakeInit1
	}
	return WakeIRQReady
}

// PowerOnPhase is the wake phase entered on a power-on request
func (v Variant) PowerOnPhase() WakeState {
	if v.Flash {
		return WakeIRQReady
	}
	if v.Version < Version1130 {
		return WakeInit1
	}
	return WakeInit2
}

func (v Variant) String() string {
	kind := "flashless"
	if v.Flash {
		kind = "flash"
	}
	return fmt.Sprintf("xmm%d/%s/pm=%v", v.Version, kind, v.PM)
}
