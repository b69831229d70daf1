package usb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"baseband-service/internal/clock"
)

const (
	// Default HSIC host controller on Tegra boards
	DefaultHostDriver = "/sys/bus/platform/drivers/tegra-ehci"
	DefaultHostDevice = "tegra-ehci.1"

	// Wait after bind for the root hub to come up
	BindSettle = 100 * time.Millisecond
)

// Host registers the HSIC host controller by binding it to its driver
type Host struct {
	driver string
	device string
	settle time.Duration
	clock  clock.Clock
	logger func(string, ...interface{})
}

// NewHost creates a host controller handle for device under driver
func NewHost(driver, device string, settle time.Duration, clk clock.Clock, logger func(string, ...interface{})) *Host {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if driver == "" {
		driver = DefaultHostDriver
	}
	if device == "" {
		device = DefaultHostDevice
	}

	return &Host{
		driver: driver,
		device: device,
		settle: settle,
		clock:  clk,
		logger: logger,
	}
}

// Register binds the host controller. The returned handle is passed back
// to Unregister.
func (h *Host) Register() (string, error) {
	if h.bound() {
		h.log("host controller %s already bound", h.device)
		return h.device, nil
	}

	h.log("Binding host controller %s...", h.device)
	if err := h.write("bind"); err != nil {
		return "", errors.Wrap(err, "failed to bind host controller")
	}

	h.clock.Sleep(h.settle)
	return h.device, nil
}

// Unregister unbinds the host controller. An empty handle means nothing
// was registered.
func (h *Host) Unregister(handle string) error {
	if handle == "" {
		return nil
	}
	if !h.bound() {
		return nil
	}

	h.log("Unbinding host controller %s...", handle)
	if err := h.write("unbind"); err != nil {
		return errors.Wrap(err, "failed to unbind host controller")
	}
	return nil
}

func (h *Host) bound() bool {
	_, err := os.Lstat(filepath.Join(h.driver, h.device))
	return err == nil
}

func (h *Host) write(file string) error {
	f, err := os.OpenFile(filepath.Join(h.driver, file), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(h.device)
	return err
}

func (h *Host) log(format string, args ...interface{}) {
	h.logger("[USB] "+format, args...)
}
