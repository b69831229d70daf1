package baseband

import (
	"github.com/pkg/errors"

	"baseband-service/internal/gpio"
)

var (
	// ErrConfiguration is returned for missing or invalid board data
	ErrConfiguration = gpio.ErrConfiguration

	// ErrResourceAcquisition is returned when lines cannot be requested at probe
	ErrResourceAcquisition = gpio.ErrResourceAcquisition

	// ErrResumeTimeout is returned when the modem never answers a resume.
	// The state machine keeps going.
	ErrResumeTimeout = errors.New("modem did not answer resume")

	// ErrInvalidTransition is returned for a request to enter the current state
	ErrInvalidTransition = errors.New("invalid power state transition")

	// ErrSuspendAborted is returned by the no-IRQ suspend hook when a modem
	// wakeup arrived after prepare.
	ErrSuspendAborted = errors.New("suspend aborted: modem wakeup pending")
)
