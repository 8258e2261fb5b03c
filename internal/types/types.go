// Package types holds the shared wire and configuration types used across
// the coordinator, network, and storage layers (§6.1, §6.3).
package types

import (
	"time"

	"github.com/latticedb/engine/internal/clock"
)

// MapKind distinguishes which CRDT variant a map name refers to, carried on
// the wire so the coordinator dispatches by tag rather than runtime type
// inspection (§9 design notes).
type MapKind string

const (
	MapKindLWW MapKind = "LWW"
	MapKindOR  MapKind = "OR"
	MapKindPN  MapKind = "PN"
)

// RecordOpType enumerates the kinds of CRDT operation a CLUSTER_EVENT can
// carry (§4.2).
type RecordOpType string

const (
	OpPut      RecordOpType = "PUT"
	OpRemove   RecordOpType = "REMOVE"
	OpPNDelta  RecordOpType = "PN_DELTA"
	OpORAdd    RecordOpType = "OR_ADD"
	OpORRemove RecordOpType = "OR_REMOVE"
)

// Record is the wire-level payload of a single-key delta: a value plus its
// HLC timestamp, and (for OR-Map) its tag.
type Record struct {
	Value     interface{}      `json:"value,omitempty"`
	Timestamp clock.Timestamp  `json:"timestamp"`
	Tag       string           `json:"tag,omitempty"`
	TTLMs     int64            `json:"ttlMs,omitempty"`
}

// MessageType enumerates the wire message kinds exchanged between
// coordinators (§6.1).
type MessageType string

const (
	MsgClusterEvent    MessageType = "CLUSTER_EVENT"
	MsgClusterBatch    MessageType = "CLUSTER_BATCH"
	MsgHLCReport       MessageType = "HLC_REPORT"
	MsgDigestSnapshot  MessageType = "DIGEST_SNAPSHOT"
	MsgDigestRequest   MessageType = "DIGEST_REQUEST"
	MsgMigrationStart  MessageType = "MIGRATION_START"
	MsgMigrationChunk  MessageType = "MIGRATION_CHUNK"
	MsgMigrationAck    MessageType = "MIGRATION_CHUNK_ACK"
	MsgMigrationDone   MessageType = "MIGRATION_COMPLETE"
	MsgMigrationVerify MessageType = "MIGRATION_VERIFY"
)

// ClusterEvent is a single-key delta (§6.1).
type ClusterEvent struct {
	MapName string       `json:"mapName"`
	MapKind MapKind      `json:"mapKind"`
	Key     string       `json:"key"`
	OpType  RecordOpType `json:"opType"`
	Record  Record       `json:"record"`
}

// ClusterBatch is a vector of deltas, used to amortize network round trips.
type ClusterBatch struct {
	Events []ClusterEvent `json:"events"`
}

// HLCReport is the distributed-GC reporting message (§4.3).
type HLCReport struct {
	NodeID        string          `json:"nodeId"`
	MinClientHLC  clock.Timestamp `json:"minClientHlc"`
}

// DigestBucket is one top-level Merkle bucket's hash, as exchanged in a
// DIGEST_SNAPSHOT (§6.1, §4.1.4).
type DigestBucket struct {
	Path byte   `json:"path"`
	Hash uint32 `json:"hash"`
}

// DigestSnapshot carries a map's top-level bucket hashes for anti-entropy.
type DigestSnapshot struct {
	MapName string         `json:"mapName"`
	Buckets []DigestBucket `json:"buckets"`
}

// DigestRequest asks a peer to compare more deeply along path.
type DigestRequest struct {
	MapName string `json:"mapName"`
	Path    []byte `json:"path"`
}

// ProtocolMessage is the generic envelope every wire message travels in; all
// payloads are self-describing with explicit NodeID, Seq, and HLC where
// relevant (§6.1).
type ProtocolMessage struct {
	Type      MessageType `json:"type"`
	NodeID    string      `json:"nodeId"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NetworkConfig holds network-level configuration for a node's peer-to-peer
// layer.
type NetworkConfig struct {
	NodeID         string
	Name           string
	Maps           map[string]MapKind
	BootstrapPeers []string

	Encryption struct {
		Enabled      bool
		SharedSecret string
	}
	Replication struct {
		Factor   int
		Strategy string // full | partial | leader
	}
	Discovery struct {
		MDNS      bool
		Bootstrap bool
	}
}

// PeerInfo describes a known peer node.
type PeerInfo struct {
	NodeID    string
	Addrs     []string
	Protocols []string
	Latency   time.Duration
	LastSeen  time.Time
	Maps      []string
}

// SyncState tracks anti-entropy progress for one map against one peer.
type SyncState struct {
	MapName        string
	PeerID         string
	LastSync       time.Time
	SyncInProgress bool
}

// NetworkStats reports aggregate traffic counters for a node.
type NetworkStats struct {
	NodeID             string
	ConnectedPeers     int
	TotalPeers         int
	MapsShared         int
	EventsSent         int64
	EventsReceived     int64
	BytesTransferred   int64
	AverageLatency     time.Duration
}
