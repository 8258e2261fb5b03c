package crdt

import "sync"

// PNState is a per-node positive/negative vector pair (§3.2). The current
// value is Σ P[n] - Σ N[n].
type PNState struct {
	P map[string]int64
	N map[string]int64
}

func newPNState() PNState {
	return PNState{P: make(map[string]int64), N: make(map[string]int64)}
}

// Clone returns a deep copy of the state.
func (s PNState) Clone() PNState {
	c := newPNState()
	for k, v := range s.P {
		c.P[k] = v
	}
	for k, v := range s.N {
		c.N[k] = v
	}
	return c
}

// Value returns Σ P[n] - Σ N[n].
func (s PNState) Value() int64 {
	var total int64
	for _, v := range s.P {
		total += v
	}
	for _, v := range s.N {
		total -= v
	}
	return total
}

// mergeMax merges b into a by per-node element-wise max, in place.
func mergeMax(a, b map[string]int64) {
	for node, v := range b {
		if existing, ok := a[node]; !ok || v > existing {
			a[node] = v
		}
	}
}

// PNCounterMap holds a PN-Counter per counter name (§3.3's
// "PN-Counter-named" map), keyed by a local node id for P/N vector
// attribution.
type PNCounterMap struct {
	mu       sync.RWMutex
	nodeID   string
	counters map[string]PNState
}

// NewPNCounterMap creates an empty named counter map.
func NewPNCounterMap(nodeID string) *PNCounterMap {
	return &PNCounterMap{nodeID: nodeID, counters: make(map[string]PNState)}
}

func (m *PNCounterMap) ensureLocked(name string) PNState {
	s, ok := m.counters[name]
	if !ok {
		s = newPNState()
		m.counters[name] = s
	}
	return s
}

// Increment increases the local node's P vector entry for name by 1.
func (m *PNCounterMap) Increment(name string) int64 {
	return m.AddDelta(name, 1)
}

// Decrement increases the local node's N vector entry for name by 1.
func (m *PNCounterMap) Decrement(name string) int64 {
	return m.AddDelta(name, -1)
}

// AddDelta applies a signed delta to the named counter: positive deltas
// increase the local P entry, negative deltas increase the local N entry.
func (m *PNCounterMap) AddDelta(name string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.ensureLocked(name)
	if delta >= 0 {
		s.P[m.nodeID] += delta
	} else {
		s.N[m.nodeID] += -delta
	}
	m.counters[name] = s
	return s.Value()
}

// Get returns the current value of the named counter.
func (m *PNCounterMap) Get(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name].Value()
}

// State returns a deep copy of the named counter's raw P/N vectors, used to
// build a CLUSTER_EVENT PN_DELTA payload or a full replication snapshot.
func (m *PNCounterMap) State(name string) PNState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name].Clone()
}

// Merge applies a remote PNState to the named counter by per-node
// element-wise max of the P and N vectors (§4.1.3).
func (m *PNCounterMap) Merge(name string, remote PNState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.ensureLocked(name)
	mergeMax(s.P, remote.P)
	mergeMax(s.N, remote.N)
	m.counters[name] = s
}

// Names returns every counter name currently tracked.
func (m *PNCounterMap) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.counters))
	for name := range m.counters {
		names = append(names, name)
	}
	return names
}
