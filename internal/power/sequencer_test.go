package power

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"baseband-service/internal/clock"
	"baseband-service/internal/gpio"
)

func testSet() gpio.LineSet {
	return gpio.LineSet{
		{Name: gpio.LineReset, ID: "gpiochip0:1"},
		{Name: gpio.LinePower, ID: "gpiochip0:2"},
		{Name: gpio.LineSlaveWake, ID: "gpiochip0:3"},
		{Name: gpio.LineAPWake, ID: "gpiochip0:4"},
		{Name: gpio.LineActive, ID: "gpiochip0:5"},
		{Name: gpio.LineSuspendRequest, ID: "gpiochip0:6"},
		{Name: gpio.LineVoltageEnable, ID: "gpiochip0:7"},
		{Name: gpio.LineResetPowerdown, ID: "gpiochip0:8"},
		{Name: "uart-tx", ID: "gpiochip1:0", Role: gpio.RoleUART},
		{Name: "uart-rx", ID: "gpiochip1:1", Role: gpio.RoleUART},
		{Name: "radio-fatal", ID: "gpiochip1:2", Role: gpio.RoleRadioFatal},
	}
}

type recorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *recorder) hook(name string) func(int) {
	return func(v int) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.writes = append(r.writes, fmt.Sprintf("%s=%d", name, v))
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func setup(t *testing.T) (*Sequencer, *gpio.Sim, *clock.Fake, *recorder) {
	t.Helper()
	set := testSet()
	sim, err := gpio.NewSim(set, t.Logf)
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}
	rec := &recorder{}
	for _, l := range set {
		sim.OnSet(l.Name, rec.hook(l.Name))
	}
	clk := clock.NewFake()
	return NewSequencer(sim, set, clk, t.Logf), sim, clk, rec
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPowerOnSequence(t *testing.T) {
	tests := []struct {
		name   string
		timing Timing
		slept  time.Duration
	}{
		{name: "sync", timing: SyncTiming, slept: 84 * time.Millisecond},
		{name: "async", timing: AsyncTiming, slept: 83*time.Millisecond + 70*time.Microsecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, sim, clk, rec := setup(t)

			if err := seq.PowerOn(tt.timing); err != nil {
				t.Fatalf("PowerOn: %v", err)
			}

			want := []string{
				"voltage-enable=1",
				"reset=0",
				"reset-powerdown=1",
				"reset=1",
				"power=1",
				"power=0",
				"active=1",
			}
			if got := rec.get(); !equal(got, want) {
				t.Errorf("writes = %v, want %v", got, want)
			}
			if _, slept := clk.Sleeps(); slept != tt.slept {
				t.Errorf("slept %v, want %v", slept, tt.slept)
			}
			for _, name := range []string{gpio.LineAPWake, "radio-fatal"} {
				if sim.Direction(name) != gpio.Input {
					t.Errorf("%s direction = %v, want in", name, sim.Direction(name))
				}
			}
			for _, name := range []string{"uart-tx", "uart-rx"} {
				if !sim.Released(name) {
					t.Errorf("%s not released", name)
				}
			}
		})
	}
}

func TestPowerOffSequence(t *testing.T) {
	seq, sim, clk, rec := setup(t)

	if err := seq.PowerOn(SyncTiming); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	sim.ResetHistory()
	rec.writes = nil
	_, before := clk.Sleeps()

	if err := seq.PowerOff(SyncTiming); err != nil {
		t.Fatalf("PowerOff: %v", err)
	}

	writes := rec.get()
	if len(writes) < 2 || writes[0] != "active=0" || writes[1] != "voltage-enable=0" {
		t.Errorf("writes = %v, want active=0 then voltage-enable=0 first", writes)
	}
	if _, after := clk.Sleeps(); after-before != 88*time.Millisecond {
		t.Errorf("slept %v, want 88ms", after-before)
	}
	for _, l := range testSet() {
		if sim.Direction(l.Name) != gpio.Output || sim.Level(l.Name) != 0 {
			t.Errorf("%s = %v/%d, want out/0", l.Name, sim.Direction(l.Name), sim.Level(l.Name))
		}
		if sim.Released(l.Name) {
			t.Errorf("%s still released", l.Name)
		}
	}
}

func TestResetOn(t *testing.T) {
	seq, _, clk, rec := setup(t)

	if err := seq.ResetOn(); err != nil {
		t.Fatalf("ResetOn: %v", err)
	}

	want := []string{"reset=0", "reset=1", "power=1", "power=0"}
	if got := rec.get(); !equal(got, want) {
		t.Errorf("writes = %v, want %v", got, want)
	}
	if _, slept := clk.Sleeps(); slept != 41*time.Millisecond+70*time.Microsecond {
		t.Errorf("slept %v", slept)
	}
}

func TestResetOnAfterPowerOffRestoresInputs(t *testing.T) {
	seq, sim, _, _ := setup(t)

	if err := seq.PowerOff(SyncTiming); err != nil {
		t.Fatalf("PowerOff: %v", err)
	}
	if sim.Direction(gpio.LineAPWake) != gpio.Output {
		t.Fatal("ap-wake not quiesced as an output")
	}

	if err := seq.ResetOn(); err != nil {
		t.Fatalf("ResetOn: %v", err)
	}
	for _, name := range []string{gpio.LineAPWake, "radio-fatal"} {
		if sim.Direction(name) != gpio.Input {
			t.Errorf("%s is not an input after reset", name)
		}
	}
}

func TestPowerOnStopsAtFirstFailure(t *testing.T) {
	seq, sim, _, rec := setup(t)
	sim.FailConfigure(gpio.LineResetPowerdown, errors.New("line busy"))

	err := seq.PowerOn(SyncTiming)
	if err == nil {
		t.Fatal("PowerOn succeeded")
	}
	if !errors.Is(err, gpio.ErrConfiguration) {
		t.Errorf("error %v is not a configuration error", err)
	}

	// No rollback of lines already configured
	want := []string{"voltage-enable=1", "reset=0"}
	if got := rec.get(); !equal(got, want) {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestRailOff(t *testing.T) {
	seq, sim, _, _ := setup(t)
	sim.Configure(gpio.Out(gpio.LineSuspendRequest, 1), gpio.Out("radio-fatal", 1))

	if err := seq.RailOff(); err != nil {
		t.Fatalf("RailOff: %v", err)
	}
	for _, name := range []string{gpio.LineSuspendRequest, "radio-fatal"} {
		if sim.Level(name) != 0 {
			t.Errorf("%s = %d, want 0", name, sim.Level(name))
		}
	}
}

func TestShutdown(t *testing.T) {
	seq, sim, _, _ := setup(t)
	sim.Configure(gpio.Out(gpio.LinePower, 1), gpio.Out(gpio.LineReset, 1))

	if err := seq.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sim.Level(gpio.LinePower) != 0 || sim.Level(gpio.LineReset) != 0 {
		t.Error("power or reset left high")
	}
}
