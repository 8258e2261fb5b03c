// Package clock implements the hybrid logical clock used to timestamp every
// CRDT operation in the cluster.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Timestamp is a hybrid logical clock value: a physical millisecond
// component, a logical counter that breaks ties within the same
// millisecond, and a node id that breaks ties deterministically when millis
// and counter both agree.
type Timestamp struct {
	Millis  int64
	Counter uint32
	NodeID  string
}

// ComparisonResult is the relationship between two timestamps under the
// total order defined by Compare.
type ComparisonResult int

const (
	Equal ComparisonResult = iota
	Before
	After
)

// Zero is the smallest possible timestamp, useful as a sentinel "never
// written" value.
var Zero = Timestamp{}

// Compare returns the total order relationship of a to b: first by Millis,
// then by Counter, then lexicographically by NodeID.
func Compare(a, b Timestamp) ComparisonResult {
	switch {
	case a.Millis != b.Millis:
		if a.Millis < b.Millis {
			return Before
		}
		return After
	case a.Counter != b.Counter:
		if a.Counter < b.Counter {
			return Before
		}
		return After
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return Before
		}
		return After
	default:
		return Equal
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) == Before
}

// String renders a timestamp as "millis.counter.nodeID", used both for
// debugging and as the canonical key fed into the Merkle leaf hash (§3.3).
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d.%s", t.Millis, t.Counter, t.NodeID)
}

// Clock is a single node's hybrid logical clock. A Clock must not be copied
// after first use; it is safe for concurrent use by multiple goroutines.
type Clock struct {
	nodeID string
	now    func() time.Time

	mu   sync.Mutex
	last Timestamp
}

// New creates a clock for the given node id. nodeID should be stable and
// unique across the cluster's lifetime (the network layer already assigns
// one; see internal/network).
func New(nodeID string) *Clock {
	return &Clock{nodeID: nodeID, now: time.Now}
}

// newWithSource is used by tests to inject a deterministic time source.
func newWithSource(nodeID string, now func() time.Time) *Clock {
	return &Clock{nodeID: nodeID, now: now}
}

// Now produces a new local timestamp, strictly greater than every timestamp
// previously produced by this clock (invariant, §3.1).
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	physical := c.now().UnixMilli()

	millis := c.last.Millis
	if physical > millis {
		millis = physical
	}

	counter := uint32(0)
	if millis == c.last.Millis {
		counter = c.last.Counter + 1
	}

	ts := Timestamp{Millis: millis, Counter: counter, NodeID: c.nodeID}
	c.last = ts
	return ts
}

// Observe advances the clock upon receiving a remote timestamp, per §3.1:
// the local clock jumps to max(local.millis, remote.millis, physical.now),
// bumping the counter only when the winning millis collides with a prior
// event at that same millis.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	physical := c.now().UnixMilli()

	millis := c.last.Millis
	if remote.Millis > millis {
		millis = remote.Millis
	}
	if physical > millis {
		millis = physical
	}

	var counter uint32
	switch {
	case millis == c.last.Millis && millis == remote.Millis:
		if c.last.Counter > remote.Counter {
			counter = c.last.Counter + 1
		} else {
			counter = remote.Counter + 1
		}
	case millis == c.last.Millis:
		counter = c.last.Counter + 1
	case millis == remote.Millis:
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	ts := Timestamp{Millis: millis, Counter: counter, NodeID: c.nodeID}
	c.last = ts
	return ts
}

// Last returns the most recent timestamp produced by this clock without
// advancing it.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// NodeID returns the node id this clock stamps events with.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Key renders the canonical "key:millis:counter:nodeId" leaf-hash input
// described in §3.3.
func Key(key string, ts Timestamp) string {
	var b strings.Builder
	b.Grow(len(key) + 1 + 32)
	b.WriteString(key)
	b.WriteByte(':')
	fmt.Fprintf(&b, "%d:%d:%s", ts.Millis, ts.Counter, ts.NodeID)
	return b.String()
}
