package usb

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event is a kernel object uevent
type Event struct {
	Action    string
	DevPath   string
	Subsystem string
	DevType   string
	Env       map[string]string
}

// IsUSBDevice reports whether the event is about a whole USB device rather
// than one of its interfaces.
func (e Event) IsUSBDevice() bool {
	return e.Subsystem == "usb" && e.DevType == "usb_device"
}

// IDs returns the vendor and product ids from the PRODUCT variable
func (e Event) IDs() (vendor, product uint16, ok bool) {
	parts := strings.Split(e.Env["PRODUCT"], "/")
	if len(parts) < 2 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}

// ParseEvent decodes a kernel uevent datagram. Messages rebroadcast by
// udev carry a binary header and are rejected.
func ParseEvent(msg []byte) (Event, error) {
	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 || !bytes.Contains(fields[0], []byte("@")) {
		return Event{}, errors.New("not a kernel uevent")
	}

	e := Event{Env: make(map[string]string)}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(string(f), "=")
		if !ok {
			continue
		}
		e.Env[k] = v
		switch k {
		case "ACTION":
			e.Action = v
		case "DEVPATH":
			e.DevPath = v
		case "SUBSYSTEM":
			e.Subsystem = v
		case "DEVTYPE":
			e.DevType = v
		}
	}
	if e.Action == "" || e.DevPath == "" {
		return Event{}, errors.New("uevent without action or devpath")
	}
	return e, nil
}

// Monitor receives kernel uevents over netlink
type Monitor struct {
	fd     int
	logger func(string, ...interface{})
}

// OpenMonitor binds a netlink socket to the kernel uevent group
func OpenMonitor(logger func(string, ...interface{})) (*Monitor, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open uevent socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to bind uevent socket")
	}
	// Wake up twice a second to notice cancellation
	tv := unix.Timeval{Usec: 500000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to set uevent socket timeout")
	}

	return &Monitor{fd: fd, logger: logger}, nil
}

// Run delivers USB events to handler until ctx is done
func (m *Monitor) Run(ctx context.Context, handler func(Event)) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "uevent receive failed")
		}

		e, err := ParseEvent(buf[:n])
		if err != nil {
			continue
		}
		if e.Subsystem != "usb" {
			continue
		}
		handler(e)
	}
}

func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}
