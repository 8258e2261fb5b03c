package crdt

import (
	"sync"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/merkle"
)

// LWWRecord is a last-writer-wins record (§3.2). Value == nil denotes a
// tombstone; tombstones participate in merge identically to value records.
type LWWRecord struct {
	Value     interface{}
	Timestamp clock.Timestamp
	TTLMs     int64 // 0 means no expiry
}

// IsTombstone reports whether this record represents a deletion.
func (r LWWRecord) IsTombstone() bool {
	return r.Value == nil
}

// LWWMap is a last-writer-wins map keyed by string, each key mapping to at
// most one LWWRecord (§4.1.1). It is safe for concurrent use.
type LWWMap struct {
	mu      sync.RWMutex
	clock   *clock.Clock
	records map[string]LWWRecord
	digest  *merkle.Tree
}

// NewLWWMap creates an empty LWW-Map whose local writes are timestamped by
// clk.
func NewLWWMap(clk *clock.Clock, digestCfg merkle.Config) *LWWMap {
	return &LWWMap{
		clock:   clk,
		records: make(map[string]LWWRecord),
		digest:  merkle.New(digestCfg),
	}
}

// Set performs a local write, stamping it with clock.Now(), and
// unconditionally replaces any existing record (a local write is always
// "newer" by construction of the local clock).
func (m *LWWMap) Set(key string, value interface{}) LWWRecord {
	ts := m.clock.Now()
	rec := LWWRecord{Value: value, Timestamp: ts}

	m.mu.Lock()
	m.records[key] = rec
	m.digest.Update(key, clock.Key(key, ts))
	m.mu.Unlock()

	return rec
}

// Remove writes a tombstone record at a new HLC timestamp (§4.1.1).
func (m *LWWMap) Remove(key string) LWWRecord {
	return m.Set(key, nil)
}

// Merge applies a remote record per the rules in §4.1.1: strictly newer
// remote wins; exact ties keep the local copy; a same-millis,
// different-counter-or-node disagreement is resolved by the clock's total
// order and reported as a concurrent-write conflict via the returned
// ConflictKind.
func (m *LWWMap) Merge(key string, remote LWWRecord) (applied bool, conflict ConflictKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, exists := m.records[key]
	if !exists {
		m.records[key] = remote
		m.clock.Observe(remote.Timestamp)
		m.digest.Update(key, clock.Key(key, remote.Timestamp))
		return true, NoConflict
	}

	switch clock.Compare(remote.Timestamp, local.Timestamp) {
	case clock.After:
		m.records[key] = remote
		m.clock.Observe(remote.Timestamp)
		m.digest.Update(key, clock.Key(key, remote.Timestamp))
		if local.Timestamp.Millis == remote.Timestamp.Millis {
			return true, ConcurrentWriteConflict
		}
		return true, NoConflict
	case clock.Equal:
		return false, NoConflict
	default: // clock.Before: remote loses
		m.clock.Observe(remote.Timestamp)
		if local.Timestamp.Millis == remote.Timestamp.Millis {
			return false, ConcurrentWriteConflict
		}
		return false, NoConflict
	}
}

// GetRecord returns the record stored at key, if any.
func (m *LWWMap) GetRecord(key string) (LWWRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Get returns the live value at key; it returns (nil, false) for a missing
// or tombstoned key, matching the spec's "reads return undefined for
// tombstoned keys until pruned" (§4.1.1).
func (m *LWWMap) Get(key string) (interface{}, bool) {
	rec, ok := m.GetRecord(key)
	if !ok || rec.IsTombstone() {
		return nil, false
	}
	return rec.Value, true
}

// AllKeys returns every key with a live (non-tombstone) record.
func (m *LWWMap) AllKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.records))
	for k, rec := range m.records {
		if !rec.IsTombstone() {
			keys = append(keys, k)
		}
	}
	return keys
}

// TombstoneKeys returns every key currently holding a tombstone record,
// feeding the distributed GC scan (§4.3).
func (m *LWWMap) TombstoneKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, rec := range m.records {
		if rec.IsTombstone() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Prune removes the tombstone at key if it is still a tombstone, used by
// the distributed GC pass once the cluster-wide watermark clears it.
func (m *LWWMap) Prune(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.IsTombstone() {
		delete(m.records, key)
		m.digest.Remove(key)
	}
}

// GetMerkleTree exposes the underlying digest for anti-entropy (§4.1.4).
func (m *LWWMap) GetMerkleTree() *merkle.Tree {
	return m.digest
}

// Digest satisfies the Map interface.
func (m *LWWMap) Digest() uint32 { return m.digest.RootHash() }

// Snapshot satisfies the Map interface.
func (m *LWWMap) Snapshot() []string { return m.AllKeys() }

// ApplyLocal satisfies the Map interface.
func (m *LWWMap) ApplyLocal(key string, value interface{}, ts clock.Timestamp) error {
	m.mu.Lock()
	m.records[key] = LWWRecord{Value: value, Timestamp: ts}
	m.digest.Update(key, clock.Key(key, ts))
	m.mu.Unlock()
	return nil
}

// ApplyRemote satisfies the Map interface.
func (m *LWWMap) ApplyRemote(key string, remote RemoteRecord) (bool, error) {
	applied, _ := m.Merge(key, LWWRecord{Value: remote.Value, Timestamp: remote.Ts})
	return applied, nil
}
