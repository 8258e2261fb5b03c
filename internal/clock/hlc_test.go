package clock

import (
	"testing"
	"time"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNowStrictlyMonotonic(t *testing.T) {
	base := time.UnixMilli(1000)
	c := newWithSource("nodeA", fixedNow(base))

	prev := c.Now()
	for i := 0; i < 10; i++ {
		next := c.Now()
		if Compare(prev, next) != Before {
			t.Errorf("expected strictly increasing timestamps, got %v then %v", prev, next)
		}
		prev = next
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := Timestamp{Millis: 1000, Counter: 0, NodeID: "A"}
	b := Timestamp{Millis: 1000, Counter: 0, NodeID: "A"}
	if Compare(a, b) != Equal {
		t.Errorf("expected Equal for identical timestamps")
	}

	c := Timestamp{Millis: 2000, Counter: 0, NodeID: "A"}
	if Compare(a, c) != Before {
		t.Error("expected Before on smaller millis")
	}
	if Compare(c, a) != After {
		t.Error("expected After on larger millis")
	}

	d := Timestamp{Millis: 1000, Counter: 1, NodeID: "A"}
	if Compare(a, d) != Before {
		t.Error("expected Before on smaller counter at equal millis")
	}

	e := Timestamp{Millis: 1000, Counter: 0, NodeID: "B"}
	if Compare(a, e) != Before {
		t.Error("expected Before on lexicographically smaller nodeID")
	}
}

func TestObserveAdvancesPastRemote(t *testing.T) {
	base := time.UnixMilli(1000)
	c := newWithSource("nodeB", fixedNow(base))

	remote := Timestamp{Millis: 5000, Counter: 3, NodeID: "nodeA"}
	observed := c.Observe(remote)

	if observed.Millis != 5000 {
		t.Errorf("expected observed millis to jump to remote millis 5000, got %d", observed.Millis)
	}
	if observed.Counter != remote.Counter+1 {
		t.Errorf("expected observed counter to be remote.Counter+1=%d, got %d", remote.Counter+1, observed.Counter)
	}
	if observed.NodeID != "nodeB" {
		t.Errorf("expected local nodeID to be retained, got %s", observed.NodeID)
	}

	next := c.Now()
	if Compare(observed, next) != Before {
		t.Errorf("expected clock to keep advancing strictly after Observe")
	}
}

func TestObservePhysicalTimeWins(t *testing.T) {
	base := time.UnixMilli(10000)
	c := newWithSource("nodeB", fixedNow(base))

	remote := Timestamp{Millis: 500, Counter: 9, NodeID: "nodeA"}
	observed := c.Observe(remote)

	if observed.Millis != 10000 {
		t.Errorf("expected physical time to dominate a stale remote, got millis=%d", observed.Millis)
	}
	if observed.Counter != 0 {
		t.Errorf("expected counter reset to 0 when millis advances past both prior values, got %d", observed.Counter)
	}
}

func TestKeyFormat(t *testing.T) {
	ts := Timestamp{Millis: 42, Counter: 7, NodeID: "n1"}
	got := Key("mykey", ts)
	want := "mykey:42:7:n1"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}
