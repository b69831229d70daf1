package usb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	// XMM modem ids
	VendorXMM  = 0x1519
	ProductXMM = 0x0020

	DefaultSysRoot = "/sys"
)

// Device is the attached modem. It is a lookup record only; the kernel
// owns the device.
type Device struct {
	DevPath      string
	SysPath      string
	BusNum       int
	DevNum       int
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Persist      bool
}

// Observer tracks the attached modem and drives its runtime PM
type Observer struct {
	mu       sync.Mutex
	dev      *Device
	sysRoot  string
	vendor   uint16
	product  uint16
	onChange func(*Device)
	logger   func(string, ...interface{})
}

// NewObserver watches for the device with the given ids below sysRoot
func NewObserver(sysRoot string, vendor, product uint16, logger func(string, ...interface{})) *Observer {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if sysRoot == "" {
		sysRoot = DefaultSysRoot
	}
	return &Observer{
		sysRoot: sysRoot,
		vendor:  vendor,
		product: product,
		logger:  logger,
	}
}

// OnChange registers fn to run when the modem attaches or detaches. A
// detach passes nil.
func (o *Observer) OnChange(fn func(*Device)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = fn
}

// Handle processes one uevent
func (o *Observer) Handle(e Event) {
	if !e.IsUSBDevice() {
		return
	}

	switch e.Action {
	case "add":
		vendor, product, ok := e.IDs()
		if !ok || vendor != o.vendor || product != o.product {
			return
		}
		o.attach(e.DevPath)
	case "remove":
		o.mu.Lock()
		dev := o.dev
		if dev == nil || dev.DevPath != e.DevPath {
			o.mu.Unlock()
			return
		}
		o.dev = nil
		fn := o.onChange
		o.mu.Unlock()

		o.log("Remove device %d <%s %s>", dev.DevNum, dev.Manufacturer, dev.Product)
		if fn != nil {
			fn(nil)
		}
	}
}

// Scan looks for a modem that attached before the observer started
func (o *Observer) Scan() error {
	root := filepath.Join(o.sysRoot, "bus", "usb", "devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return errors.Wrap(err, "failed to list usb devices")
	}

	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		vendor, err1 := readHex(filepath.Join(dir, "idVendor"))
		product, err2 := readHex(filepath.Join(dir, "idProduct"))
		if err1 != nil || err2 != nil || vendor != o.vendor || product != o.product {
			continue
		}

		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve %s", dir)
		}
		base, err := filepath.EvalSymlinks(o.sysRoot)
		if err != nil {
			base = o.sysRoot
		}
		o.attach(strings.TrimPrefix(resolved, base))
		return nil
	}
	return nil
}

func (o *Observer) attach(devPath string) {
	sysPath := filepath.Join(o.sysRoot, devPath)
	dev := &Device{
		DevPath:      devPath,
		SysPath:      sysPath,
		VendorID:     o.vendor,
		ProductID:    o.product,
		Manufacturer: readAttr(sysPath, "manufacturer"),
		Product:      readAttr(sysPath, "product"),
		Persist:      readAttr(sysPath, "power/persist") == "1",
	}
	dev.BusNum, _ = strconv.Atoi(readAttr(sysPath, "busnum"))
	dev.DevNum, _ = strconv.Atoi(readAttr(sysPath, "devnum"))

	o.mu.Lock()
	o.dev = dev
	fn := o.onChange
	o.mu.Unlock()

	o.log("persist_enabled: %v", dev.Persist)
	o.log("Add device %d <%s %s>", dev.DevNum, dev.Manufacturer, dev.Product)

	if err := writeAttr(sysPath, "power/control", "auto"); err != nil {
		o.log("failed to enable autosuspend: %v", err)
	} else {
		o.log("enable autosuspend")
	}
	if fn != nil {
		fn(dev)
	}
}

// Device returns a copy of the attached modem, or nil
func (o *Observer) Device() *Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dev == nil {
		return nil
	}
	d := *o.dev
	return &d
}

// Resume wakes the attached modem and hands it back to autosuspend. It
// does nothing when no modem is attached.
func (o *Observer) Resume() error {
	dev := o.Device()
	if dev == nil {
		return nil
	}
	if err := writeAttr(dev.SysPath, "power/control", "on"); err != nil {
		return errors.Wrap(err, "failed to resume device")
	}
	if err := writeAttr(dev.SysPath, "power/control", "auto"); err != nil {
		return errors.Wrap(err, "failed to re-enable autosuspend")
	}
	return nil
}

func (o *Observer) log(format string, args ...interface{}) {
	o.logger("[USB] "+format, args...)
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func writeAttr(dir, name, value string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(value)
	return err
}

func readHex(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
