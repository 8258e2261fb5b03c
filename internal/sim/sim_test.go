package sim

import (
	"reflect"
	"testing"
)

func TestVirtualClockNeverAdvancesSpontaneously(t *testing.T) {
	c := NewVirtualClock()
	if c.Now() != 0 {
		t.Fatalf("expected a fresh clock to start at 0, got %d", c.Now())
	}
	if err := c.Advance(500); err != nil {
		t.Fatalf("unexpected error advancing: %v", err)
	}
	if c.Now() != 500 {
		t.Errorf("expected clock at 500 after advancing, got %d", c.Now())
	}
}

func TestVirtualClockRejectsNegativeAdvance(t *testing.T) {
	c := NewVirtualClock()
	if err := c.Advance(-1); err == nil {
		t.Error("expected a negative advance to be rejected")
	}
}

func TestVirtualClockReset(t *testing.T) {
	c := NewVirtualClock()
	_ = c.Advance(1000)
	c.Reset()
	if c.Now() != 0 {
		t.Errorf("expected Reset to return the clock to 0, got %d", c.Now())
	}
}

func TestSeededRNGSameSeedSameSequence(t *testing.T) {
	a := NewSeededRNG(42)
	b := NewSeededRNG(42)
	for i := 0; i < 50; i++ {
		va, vb := a.Random(), b.Random()
		if va != vb {
			t.Fatalf("sequence diverged at index %d: %v != %v", i, va, vb)
		}
	}
}

func TestSeededRNGDifferentSeedsDiverge(t *testing.T) {
	a := NewSeededRNG(1)
	b := NewSeededRNG(2)
	same := true
	for i := 0; i < 10; i++ {
		if a.Random() != b.Random() {
			same = false
			break
		}
	}
	if same {
		t.Error("expected different seeds to produce different sequences")
	}
}

func TestSeededRNGResetReplaysSequence(t *testing.T) {
	r := NewSeededRNG(7)
	first := make([]float64, 5)
	for i := range first {
		first[i] = r.Random()
	}
	r.Reset()
	for i := range first {
		if got := r.Random(); got != first[i] {
			t.Fatalf("after Reset, value %d diverged: got %v want %v", i, got, first[i])
		}
	}
}

func TestSeededRNGRandomIntWithinBounds(t *testing.T) {
	r := NewSeededRNG(99)
	for i := 0; i < 200; i++ {
		v := r.RandomInt(5, 10)
		if v < 5 || v > 10 {
			t.Fatalf("RandomInt(5, 10) produced out-of-range value %d", v)
		}
	}
}

func TestSeededRNGRandomBoolBoundaryProbabilities(t *testing.T) {
	r := NewSeededRNG(1)
	for i := 0; i < 20; i++ {
		if r.RandomBool(0) {
			t.Fatal("expected p=0 to never return true")
		}
	}
	for i := 0; i < 20; i++ {
		if !r.RandomBool(1) {
			t.Fatal("expected p=1 to always return true")
		}
	}
}

// TestVirtualNetworkDeterministicAcrossRuns is scenario S6: seed 42,
// latency [10,50], loss 0.2, 20 sends; two independent runs must yield
// identical delivered count and identical message order at the
// destination.
func TestVirtualNetworkDeterministicAcrossRuns(t *testing.T) {
	runOnce := func() []string {
		clk := NewVirtualClock()
		rng := NewSeededRNG(42)
		var delivered []string
		net := NewVirtualNetwork(clk, rng, NetworkConfig{PacketLossRate: 0.2, LatencyMinMs: 10, LatencyMaxMs: 50}, func(m VirtualMessage) {
			delivered = append(delivered, m.Payload.(string))
		})
		for i := 0; i < 20; i++ {
			net.Send("a", "b", "msg")
		}
		for tick := 0; tick < 100; tick++ {
			net.Tick()
			_ = clk.Advance(1)
		}
		return delivered
	}

	first := runOnce()
	second := runOnce()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected two independent runs with the same seed/config to match exactly, got %v vs %v", first, second)
	}
	if len(first) == 0 || len(first) == 20 {
		t.Fatalf("expected a nonzero packet loss rate to drop some but not all of 20 sends, got %d delivered", len(first))
	}
}

func TestVirtualNetworkPartitionBlocksThenHealHeals(t *testing.T) {
	clk := NewVirtualClock()
	rng := NewSeededRNG(1)
	var delivered []string
	net := NewVirtualNetwork(clk, rng, NetworkConfig{LatencyMinMs: 5, LatencyMaxMs: 5}, func(m VirtualMessage) {
		delivered = append(delivered, m.Payload.(string))
	})
	net.Partition("a", "b")
	net.Send("a", "b", "blocked")
	for i := 0; i < 10; i++ {
		net.Tick()
		_ = clk.Advance(1)
	}
	if len(delivered) != 0 {
		t.Fatalf("expected partitioned send to never deliver, got %v", delivered)
	}
	net.Heal("a", "b")
	net.Tick()
	if len(delivered) != 1 || delivered[0] != "blocked" {
		t.Fatalf("expected healed partition to deliver the queued message, got %v", delivered)
	}
}

func TestInvariantCheckerRejectsDuplicateNames(t *testing.T) {
	c := NewInvariantChecker()
	inv := Invariant{Name: "dup", Fn: func() (bool, string) { return true, "" }}
	if err := c.Register(inv); err != nil {
		t.Fatalf("unexpected error on first registration: %v", err)
	}
	if err := c.Register(inv); err == nil {
		t.Error("expected registering the same invariant name twice to fail")
	}
}

func TestInvariantCheckerReportsFailures(t *testing.T) {
	c := NewInvariantChecker()
	_ = c.Register(Invariant{Name: "always-ok", Fn: func() (bool, string) { return true, "" }})
	_ = c.Register(Invariant{Name: "always-fails", Fn: func() (bool, string) { return false, "boom" }})

	result := c.Verify()
	if result.Passed {
		t.Fatal("expected Verify to report a failing invariant")
	}
	if len(result.Failures) != 1 || result.Failures[0] != "always-fails: boom" {
		t.Errorf("unexpected failures: %v", result.Failures)
	}
}

// TestScenarioRunnerSameSeedSameResult is property 8: the same config,
// seed, and scripted ops must produce an identical Result across runs.
func TestScenarioRunnerSameSeedSameResult(t *testing.T) {
	runOnce := func() Result {
		checker := NewInvariantChecker()
		var total int
		_ = checker.Register(Invariant{Name: "total-nonneg", Fn: func() (bool, string) {
			return total >= 0, "total went negative"
		}})
		runner := NewScenarioRunner(checker)
		scenario := Scenario{
			Step: func(tick int, clk *VirtualClock, rng *SeededRNG) {
				total += rng.RandomInt(-5, 5)
			},
		}
		return runner.Run(scenario, ScenarioConfig{Seed: 42, Ticks: 30, TickIntervalMs: 100})
	}

	a, b := runOnce(), runOnce()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical Result across runs with the same seed, got %+v vs %+v", a, b)
	}
}

func TestScenarioRunnerSurfacesInvariantFailure(t *testing.T) {
	checker := NewInvariantChecker()
	tick := 0
	_ = checker.Register(Invariant{Name: "tick-under-3", Fn: func() (bool, string) {
		if tick >= 3 {
			return false, "tick reached 3"
		}
		return true, ""
	}})
	runner := NewScenarioRunner(checker)
	scenario := Scenario{Step: func(n int, clk *VirtualClock, rng *SeededRNG) { tick = n }}

	result := runner.Run(scenario, ScenarioConfig{Seed: 1, Ticks: 5, TickIntervalMs: 10})
	if result.Passed {
		t.Fatal("expected the scenario to report a failed invariant once tick reaches 3")
	}
	if len(result.InvariantFailures) == 0 {
		t.Error("expected at least one recorded invariant failure")
	}
}
