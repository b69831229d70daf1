package config

import (
	"os"
	"path/filepath"
	"testing"

	"baseband-service/internal/gpio"
)

const boardYAML = `
name: test-board
backend: sim
modem:
  version: 1121
  flash: true
  pm: true
auto_power_on: true
usb:
  vendor: 0x1519
  product: 0x0020
lines:
  - {name: reset, id: "bb:0"}
  - {name: power, id: "bb:1"}
  - {name: slave-wake, id: "bb:2"}
  - {name: ap-wake, id: "bb:3"}
  - {name: active, id: "bb:4"}
  - {name: suspend-request, id: "bb:5"}
  - {name: voltage-enable, id: "bb:6"}
  - {name: reset-powerdown, id: "bb:7"}
  - {name: uart-tx, id: "bb:8", role: uart}
`

func TestParseBoard(t *testing.T) {
	b, err := ParseBoard([]byte(boardYAML))
	if err != nil {
		t.Fatalf("ParseBoard() error = %v", err)
	}

	if b.Name != "test-board" || b.Backend != "sim" {
		t.Errorf("board = %s/%s, want test-board/sim", b.Name, b.Backend)
	}
	if b.Modem.Version != 1121 || !b.Modem.Flash || !b.Modem.PM {
		t.Errorf("modem = %+v", b.Modem)
	}
	if !b.AutoPowerOn {
		t.Error("auto_power_on not read")
	}
	if len(b.Lines) != 9 {
		t.Errorf("got %d lines, want 9", len(b.Lines))
	}
	if uart := b.Lines.ByRole(gpio.RoleUART); len(uart) != 1 || uart[0] != "uart-tx" {
		t.Errorf("uart lines = %v", uart)
	}
	// Not in the file, taken from the defaults
	if b.USB.HostDevice != DefaultBoard().USB.HostDevice {
		t.Errorf("host device = %q", b.USB.HostDevice)
	}
}

func TestParseBoardErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "malformed", data: "lines: [\n"},
		{name: "missing core line", data: "lines:\n  - {name: reset, id: \"bb:0\"}\n"},
		{name: "duplicate id", data: `
lines:
  - {name: reset, id: "bb:0"}
  - {name: power, id: "bb:0"}
  - {name: slave-wake, id: "bb:2"}
  - {name: ap-wake, id: "bb:3"}
  - {name: active, id: "bb:4"}
  - {name: suspend-request, id: "bb:5"}
  - {name: voltage-enable, id: "bb:6"}
  - {name: reset-powerdown, id: "bb:7"}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBoard([]byte(tt.data)); err == nil {
				t.Error("ParseBoard() succeeded, want error")
			}
		})
	}
}

func TestParseBoardKeepsDefaultLines(t *testing.T) {
	b, err := ParseBoard([]byte("name: only-name\n"))
	if err != nil {
		t.Fatalf("ParseBoard() error = %v", err)
	}
	if len(b.Lines) != len(DefaultBoard().Lines) {
		t.Errorf("got %d lines, want the default table", len(b.Lines))
	}
}

func TestLoadBoardOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte(boardYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		Board:        path,
		GPIOBackend:  "cdev",
		ModemVersion: 1130,
		ModemFlash:   false,
		set:          map[string]bool{"modem-version": true},
	}
	b, err := cfg.LoadBoard()
	if err != nil {
		t.Fatalf("LoadBoard() error = %v", err)
	}

	if b.Backend != "cdev" {
		t.Errorf("backend = %s, want cdev", b.Backend)
	}
	if b.Modem.Version != 1130 {
		t.Errorf("version = %d, want 1130", b.Modem.Version)
	}
	// -modem-flash was not given, the profile wins
	if !b.Modem.Flash {
		t.Error("flash overridden without the flag")
	}
}

func TestLoadBoardMissingFile(t *testing.T) {
	cfg := &Config{Board: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := cfg.LoadBoard(); err == nil {
		t.Error("LoadBoard() succeeded for a missing file")
	}
}
