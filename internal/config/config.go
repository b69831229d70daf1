package config

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"baseband-service/internal/baseband"
	"baseband-service/internal/gpio"
	"baseband-service/internal/usb"
	"baseband-service/internal/wakelock"
)

type Config struct {
	RedisURL    string
	Board       string
	GPIOBackend string
	ControlFIFO string
	SysRoot     string
	WakeLockDir string
	Debug       bool

	// Overrides of the board profile, applied when the flag is given
	ModemVersion int
	ModemFlash   bool
	ModemPM      bool
	AutoPowerOn  bool

	set map[string]bool
}

// USB identifies the modem on the HSIC bus and the host controller it hangs off
type USB struct {
	Vendor     uint16 `yaml:"vendor"`
	Product    uint16 `yaml:"product"`
	HostDriver string `yaml:"host_driver"`
	HostDevice string `yaml:"host_device"`
}

// Board is a board profile as read from YAML
type Board struct {
	Name        string           `yaml:"name"`
	Backend     string           `yaml:"backend"`
	Lines       gpio.LineSet     `yaml:"lines"`
	Modem       baseband.Variant `yaml:"modem"`
	AutoPowerOn bool             `yaml:"auto_power_on"`
	USB         USB              `yaml:"usb"`
}

func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.RedisURL, "redis-url", "redis://127.0.0.1:6379", "Redis URL")
	flag.StringVar(&cfg.Board, "board", "", "Board profile (YAML), empty for the built-in profile")
	flag.StringVar(&cfg.GPIOBackend, "gpio-backend", "", "GPIO backend: cdev, periph or sim (overrides the board profile)")
	flag.StringVar(&cfg.ControlFIFO, "control-fifo", "/run/baseband/control", "Control FIFO path, empty to disable")
	flag.StringVar(&cfg.SysRoot, "sysfs-root", usb.DefaultSysRoot, "sysfs mount point")
	flag.StringVar(&cfg.WakeLockDir, "wakelock-dir", wakelock.DefaultDir, "Directory holding wake_lock and wake_unlock")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.IntVar(&cfg.ModemVersion, "modem-version", baseband.Version1130, "Modem software version")
	flag.BoolVar(&cfg.ModemFlash, "modem-flash", false, "Modem boots from its own flash")
	flag.BoolVar(&cfg.ModemPM, "modem-pm", true, "Modem power management")
	flag.BoolVar(&cfg.AutoPowerOn, "auto-power-on", false, "Power the modem on at startup")

	return cfg
}

func (c *Config) Parse() {
	flag.Parse()
	c.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { c.set[f.Name] = true })
}

// LoadBoard reads the board profile and applies flag overrides
func (c *Config) LoadBoard() (*Board, error) {
	b := DefaultBoard()
	if c.Board != "" {
		var err error
		if b, err = LoadBoard(c.Board); err != nil {
			return nil, err
		}
	}

	if c.GPIOBackend != "" {
		b.Backend = c.GPIOBackend
	}
	if c.set["modem-version"] {
		b.Modem.Version = c.ModemVersion
	}
	if c.set["modem-flash"] {
		b.Modem.Flash = c.ModemFlash
	}
	if c.set["modem-pm"] {
		b.Modem.PM = c.ModemPM
	}
	if c.set["auto-power-on"] {
		b.AutoPowerOn = c.AutoPowerOn
	}
	return b, nil
}

// LoadBoard reads a board profile from path. Fields missing from the file
// keep the built-in defaults, except for the line table which is replaced
// as a whole.
func LoadBoard(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read board profile")
	}
	return ParseBoard(data)
}

func ParseBoard(data []byte) (*Board, error) {
	b := DefaultBoard()
	b.Lines = nil
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, errors.Wrap(err, "invalid board profile")
	}
	if len(b.Lines) == 0 {
		b.Lines = DefaultBoard().Lines
	}
	if err := b.Lines.Validate(); err != nil {
		return nil, errors.Wrapf(err, "board %s", b.Name)
	}
	return b, nil
}

// DefaultBoard is the Tegra 3 reference board. Lines are looked up by the
// names the kernel gives them.
func DefaultBoard() *Board {
	return &Board{
		Name:    "tegra3-xmm",
		Backend: "cdev",
		Lines: gpio.LineSet{
			{Name: gpio.LineReset, ID: "BB_RST_OUT"},
			{Name: gpio.LinePower, ID: "BB_ON"},
			{Name: gpio.LineSlaveWake, ID: "IPC_BB_WAKE"},
			{Name: gpio.LineAPWake, ID: "IPC_AP_WAKE"},
			{Name: gpio.LineActive, ID: "IPC_HSIC_ACTIVE"},
			{Name: gpio.LineSuspendRequest, ID: "IPC_HSIC_SUS_REQ"},
			{Name: gpio.LineVoltageEnable, ID: "BB_VDD_EN"},
			{Name: gpio.LineResetPowerdown, ID: "AP2BB_RST_PWRDWNn"},
			{Name: "radio-fatal", ID: "BB_RADIO_FATAL", Role: gpio.RoleRadioFatal},
			{Name: "uart-tx", ID: "IMC_UART_TX", Role: gpio.RoleUART},
			{Name: "uart-rts", ID: "IMC_UART_RTS", Role: gpio.RoleUART},
			{Name: "uart-rx", ID: "IMC_UART_RX", Role: gpio.RoleUART},
			{Name: "uart-cts", ID: "IMC_UART_CTS", Role: gpio.RoleUART},
		},
		Modem: baseband.Variant{
			Version: baseband.Version1130,
			PM:      true,
		},
		USB: USB{
			Vendor:     usb.VendorXMM,
			Product:    usb.ProductXMM,
			HostDriver: usb.DefaultHostDriver,
			HostDevice: usb.DefaultHostDevice,
		},
	}
}
