package gpio

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func boardSet() LineSet {
	return LineSet{
		{Name: LineReset, ID: "bb:0"},
		{Name: LinePower, ID: "bb:1"},
		{Name: LineSlaveWake, ID: "bb:2"},
		{Name: LineAPWake, ID: "bb:3"},
		{Name: LineActive, ID: "bb:4"},
		{Name: LineSuspendRequest, ID: "bb:5"},
		{Name: LineVoltageEnable, ID: "bb:6"},
		{Name: LineResetPowerdown, ID: "bb:7"},
		{Name: "uart-tx", ID: "bb:8", Role: RoleUART},
		{Name: "radio-fatal", ID: "bb:9", Role: RoleRadioFatal},
	}
}

func TestLineSetValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(LineSet) LineSet
		wantErr bool
	}{
		{name: "complete board", mutate: func(s LineSet) LineSet { return s }},
		{name: "missing ap-wake", mutate: func(s LineSet) LineSet {
			return append(s[:3:3], s[4:]...)
		}, wantErr: true},
		{name: "duplicate id", mutate: func(s LineSet) LineSet {
			s[1].ID = s[0].ID
			return s
		}, wantErr: true},
		{name: "empty id", mutate: func(s LineSet) LineSet {
			s[2].ID = ""
			return s
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(boardSet()).Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v is not ErrConfiguration", err)
			}
		})
	}
}

func TestLineSetByRole(t *testing.T) {
	set := boardSet()
	if got := set.ByRole(RoleUART); len(got) != 1 || got[0] != "uart-tx" {
		t.Errorf("ByRole(uart) = %v", got)
	}
	if got := set.ByRole("none"); len(got) != 0 {
		t.Errorf("ByRole(none) = %v", got)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("sysfs", boardSet(), nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Open(sysfs) = %v, want ErrConfiguration", err)
	}
}

func TestOpenSim(t *testing.T) {
	lines, err := Open(BackendSim, boardSet(), t.Logf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer lines.Close()

	if _, ok := lines.(*Sim); !ok {
		t.Errorf("Open(sim) returned %T", lines)
	}
}

func TestSimDuplicateID(t *testing.T) {
	set := boardSet()
	set = append(set, LineSpec{Name: "extra", ID: "bb:0"})

	_, err := NewSim(set, nil)
	if !errors.Is(err, ErrResourceAcquisition) {
		t.Errorf("NewSim = %v, want ErrResourceAcquisition", err)
	}
}

func TestSimConfigureStopsAtFailure(t *testing.T) {
	sim, _ := NewSim(boardSet(), t.Logf)
	sim.FailConfigure(LineActive, errors.New("busy"))

	err := sim.Configure(Out(LineReset, 1), Out(LineActive, 1), Out(LinePower, 1))

	var cerr *ConfigurationError
	if !errors.As(err, &cerr) || cerr.Line != LineActive {
		t.Fatalf("Configure = %v, want ConfigurationError on active", err)
	}
	if sim.Level(LineReset) != 1 {
		t.Error("reset was rolled back")
	}
	if sim.Direction(LinePower) != Input {
		t.Error("power configured after the failing line")
	}
}

func TestSimSetInputFails(t *testing.T) {
	sim, _ := NewSim(boardSet(), t.Logf)
	if err := sim.Set(LineAPWake, 1); err == nil {
		t.Error("Set on an input line succeeded")
	}
	if err := sim.Set("nope", 1); !errors.Is(err, ErrUnknownLine) {
		t.Errorf("Set(nope) = %v, want ErrUnknownLine", err)
	}
}

func TestSimEdgesInOrder(t *testing.T) {
	sim, _ := NewSim(boardSet(), t.Logf)

	var mu sync.Mutex
	var edges []Edge
	sim.Watch(LineAPWake, func(e Edge) {
		mu.Lock()
		edges = append(edges, e)
		mu.Unlock()
	})

	sim.Drive(LineAPWake, 1)
	sim.Drive(LineAPWake, 1) // no change, no edge
	sim.Drive(LineAPWake, 0)
	sim.Drive(LineAPWake, 1)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(edges) != len(want) {
		t.Fatalf("got %d edges, want %d", len(edges), len(want))
	}
	for i, rising := range want {
		if edges[i].Rising != rising || edges[i].Line != LineAPWake {
			t.Errorf("edge %d = %+v", i, edges[i])
		}
	}

	sim.Unwatch(LineAPWake)
	sim.Drive(LineAPWake, 0)
	if len(edges) != 3 {
		t.Error("edge delivered after Unwatch")
	}
}

func TestSimNoEdgesOnOutput(t *testing.T) {
	sim, _ := NewSim(boardSet(), t.Logf)

	edges := 0
	sim.Watch(LineAPWake, func(Edge) { edges++ })
	sim.Configure(Out(LineAPWake, 0))

	sim.Drive(LineAPWake, 1)
	sim.Drive(LineAPWake, 0)
	if edges != 0 {
		t.Errorf("got %d edges on an output", edges)
	}

	// Back to input, edges resume
	sim.Configure(In(LineAPWake))
	sim.Drive(LineAPWake, 1)
	if edges != 1 {
		t.Errorf("got %d edges after switching back to input, want 1", edges)
	}
}

func TestSimHookMayDrive(t *testing.T) {
	sim, _ := NewSim(boardSet(), t.Logf)

	var seen []int
	sim.Watch(LineAPWake, func(e Edge) { seen = append(seen, e.Level()) })
	// Modem answers a slave-wake assertion by raising ap-wake
	sim.OnSet(LineSlaveWake, func(v int) { sim.Drive(LineAPWake, v) })

	if err := sim.Configure(Out(LineSlaveWake, 0)); err != nil {
		t.Fatal(err)
	}
	if err := sim.Set(LineSlaveWake, 1); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || seen[0] != 1 {
		t.Errorf("edges = %v, want [1]", seen)
	}
	if got := sim.History(LineSlaveWake); len(got) != 2 || got[1] != 1 {
		t.Errorf("History = %v", got)
	}
}

func TestSimReleaseAndReclaim(t *testing.T) {
	sim, _ := NewSim(boardSet(), t.Logf)
	sim.Configure(Out("uart-tx", 0))

	if err := sim.Release("uart-tx"); err != nil {
		t.Fatal(err)
	}
	if err := sim.Set("uart-tx", 1); err == nil {
		t.Error("Set on a released line succeeded")
	}
	if err := sim.Configure(Out("uart-tx", 0)); err != nil {
		t.Fatal(err)
	}
	if sim.Released("uart-tx") {
		t.Error("line still released after Configure")
	}
}
