package crdt

import (
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/merkle"
)

// ORRecord is an observed-remove record (§3.2). Each insertion carries a
// globally unique Tag; a tombstone removes exactly the record with a
// matching tag.
type ORRecord struct {
	Key       string
	Value     interface{}
	Timestamp clock.Timestamp
	Tag       string
	TTLMs     int64
}

type orTombstone struct {
	timestamp clock.Timestamp
}

// ORMap is a multiset-valued observed-remove map: a key may hold several
// concurrently-added records, each distinguished by tag (§4.1.2, §3.3). It
// is safe for concurrent use.
type ORMap struct {
	mu         sync.RWMutex
	clock      *clock.Clock
	records    map[string]map[string]ORRecord // key -> tag -> record
	tombstones map[string]orTombstone         // tag -> tombstone
	digest     *merkle.Tree
}

// NewORMap creates an empty OR-Map.
func NewORMap(clk *clock.Clock, digestCfg merkle.Config) *ORMap {
	return &ORMap{
		clock:      clk,
		records:    make(map[string]map[string]ORRecord),
		tombstones: make(map[string]orTombstone),
		digest:     merkle.New(digestCfg),
	}
}

// Add inserts value under key with a freshly minted unique tag (§4.1.2).
func (m *ORMap) Add(key string, value interface{}) ORRecord {
	ts := m.clock.Now()
	rec := ORRecord{Key: key, Value: value, Timestamp: ts, Tag: uuid.NewString()}

	m.mu.Lock()
	m.insertLocked(rec)
	m.mu.Unlock()

	return rec
}

func (m *ORMap) insertLocked(rec ORRecord) {
	if _, tombstoned := m.tombstones[rec.Tag]; tombstoned {
		return
	}
	bucket, ok := m.records[rec.Key]
	if !ok {
		bucket = make(map[string]ORRecord)
		m.records[rec.Key] = bucket
	}
	bucket[rec.Tag] = rec
	m.updateDigestLocked(rec.Key)
}

// updateDigestLocked hashes the key concatenated with the sorted
// tag+timestamp list of its surviving records (§3.3).
func (m *ORMap) updateDigestLocked(key string) {
	bucket := m.records[key]
	if len(bucket) == 0 {
		m.digest.Remove(key)
		return
	}
	tags := make([]string, 0, len(bucket))
	for tag := range bucket {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	canonical := key
	for _, tag := range tags {
		canonical += "|" + tag + ":" + bucket[tag].Timestamp.String()
	}
	m.digest.Update(key, canonical)
}

// deepEqual is the OR-Map remove-equality rule decided in DESIGN.md: deep
// structural equality, not identity.
func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// Remove tombstones every current record under key whose value deep-equals
// target (§4.1.2). Returns the tags tombstoned.
func (m *ORMap) Remove(key string, target interface{}) []string {
	ts := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.records[key]
	var removed []string
	for tag, rec := range bucket {
		if deepEqual(rec.Value, target) {
			m.tombstones[tag] = orTombstone{timestamp: ts}
			delete(bucket, tag)
			removed = append(removed, tag)
		}
	}
	m.updateDigestLocked(key)
	return removed
}

// Apply inserts a remote record if its tag is neither already present nor
// tombstoned; otherwise it is a no-op (§4.1.2).
func (m *ORMap) Apply(rec ORRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock.Observe(rec.Timestamp)

	if _, tombstoned := m.tombstones[rec.Tag]; tombstoned {
		return false
	}
	if bucket, ok := m.records[rec.Key]; ok {
		if _, present := bucket[rec.Tag]; present {
			return false
		}
	}
	m.insertLocked(rec)
	return true
}

// ApplyTombstone merges a remote tombstone for tag, removing any local
// record carrying that tag.
func (m *ORMap) ApplyTombstone(tag string, ts clock.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock.Observe(ts)

	if existing, ok := m.tombstones[tag]; ok {
		if clock.Compare(ts, existing.timestamp) != clock.After {
			return
		}
	}
	m.tombstones[tag] = orTombstone{timestamp: ts}

	for key, bucket := range m.records {
		if _, ok := bucket[tag]; ok {
			delete(bucket, tag)
			m.updateDigestLocked(key)
		}
	}
}

// Merge unions this map's records and tombstones with other's, then removes
// any now-tombstoned tag from the record set (§4.1.2).
func (m *ORMap) Merge(other *ORMap) {
	other.mu.RLock()
	tombstones := make(map[string]orTombstone, len(other.tombstones))
	for tag, ts := range other.tombstones {
		tombstones[tag] = ts
	}
	var records []ORRecord
	for _, bucket := range other.records {
		for _, rec := range bucket {
			records = append(records, rec)
		}
	}
	other.mu.RUnlock()

	for _, rec := range records {
		m.Apply(rec)
	}
	for tag, ts := range tombstones {
		m.ApplyTombstone(tag, ts.timestamp)
	}
}

// Get returns every surviving record under key.
func (m *ORMap) Get(key string) []ORRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.records[key]
	out := make([]ORRecord, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// AllKeys returns every key holding at least one surviving record.
func (m *ORMap) AllKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.records))
	for k, bucket := range m.records {
		if len(bucket) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// TombstoneTags returns every currently tombstoned tag and its timestamp,
// feeding the distributed GC scan (§4.3).
func (m *ORMap) TombstoneTags() map[string]clock.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]clock.Timestamp, len(m.tombstones))
	for tag, ts := range m.tombstones {
		out[tag] = ts.timestamp
	}
	return out
}

// PruneTombstone drops a tombstone once the distributed GC watermark clears
// it.
func (m *ORMap) PruneTombstone(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tombstones, tag)
}

// GetMerkleTree exposes the underlying digest.
func (m *ORMap) GetMerkleTree() *merkle.Tree {
	return m.digest
}

// Digest satisfies the Map interface.
func (m *ORMap) Digest() uint32 { return m.digest.RootHash() }

// Snapshot satisfies the Map interface.
func (m *ORMap) Snapshot() []string { return m.AllKeys() }

// ApplyLocal satisfies the Map interface; it adds value under key with a
// freshly minted tag, stamped with ts.
func (m *ORMap) ApplyLocal(key string, value interface{}, ts clock.Timestamp) error {
	rec := ORRecord{Key: key, Value: value, Timestamp: ts, Tag: uuid.NewString()}
	m.mu.Lock()
	m.insertLocked(rec)
	m.mu.Unlock()
	return nil
}

// ApplyRemote satisfies the Map interface; remote.Tag identifies the record.
func (m *ORMap) ApplyRemote(key string, remote RemoteRecord) (bool, error) {
	applied := m.Apply(ORRecord{Key: key, Value: remote.Value, Timestamp: remote.Ts, Tag: remote.Tag})
	return applied, nil
}
