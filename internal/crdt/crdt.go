// Package crdt implements the LWW-Map, OR-Map, and PN-Counter primitives
// and their merge laws (§4.1), each backed by a merkle.Tree digest (§3.3).
package crdt

import "github.com/latticedb/engine/internal/clock"

// OpType is the operation kind carried on a CLUSTER_EVENT (§6.1).
type OpType int

const (
	OpPut OpType = iota
	OpRemove
	OpPNDelta
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpRemove:
		return "REMOVE"
	case OpPNDelta:
		return "PN_DELTA"
	default:
		return "UNKNOWN"
	}
}

// Map is the capability set every CRDT variant satisfies, so the
// coordinator dispatches by wire-carried variant tag rather than runtime
// type inspection (§9 design notes).
type Map interface {
	// ApplyLocal performs a local write stamped with the caller-supplied ts.
	ApplyLocal(key string, value interface{}, ts clock.Timestamp) error
	// ApplyRemote merges a remote record; ok is false if the remote lost
	// the merge decision (a concurrent-write conflict was reported, not an
	// error — conflicts are data, §7).
	ApplyRemote(key string, remote RemoteRecord) (ok bool, err error)
	// Digest returns the root hash of the map's Merkle digest.
	Digest() uint32
	// Snapshot returns every live key (tombstones excluded for LWW/OR).
	Snapshot() []string
}

// RemoteRecord is the wire-agnostic shape of an incoming merge candidate;
// network.Message decodes into one of these before handing it to a Map.
type RemoteRecord struct {
	Value interface{}
	Ts    clock.Timestamp
	Tag   string // OR-Map only
}

// ConflictKind is reported by LWWMap.Merge alongside its applied flag:
// ConcurrentWriteConflict marks a merge whose two timestamps share the same
// millis but differ in counter or node, whichever side won.
type ConflictKind int

const (
	NoConflict ConflictKind = iota
	ConcurrentWriteConflict
)
