// Package merkle implements the bucketed hash tree used for anti-entropy
// digests over a CRDT map's keyspace (§3.3, §4.1.4).
package merkle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultDepth is the default bucket-path depth, a performance knob between
// diff bandwidth (shallower trees compare coarser buckets) and bucket
// metadata size (deeper trees have more, smaller buckets). See the open
// question recorded in DESIGN.md.
const DefaultDepth = 3

const hexDigits = "0123456789abcdef"

// Config configures a Tree.
type Config struct {
	Depth int
}

// DefaultConfig returns the spec's default bucket depth.
func DefaultConfig() Config {
	return Config{Depth: DefaultDepth}
}

type leaf struct {
	hash uint32
	keys map[string]uint32 // key -> leaf item hash, so update/remove stay O(1) within a bucket
}

func newLeaf() *leaf {
	return &leaf{keys: make(map[string]uint32)}
}

func (l *leaf) recompute() {
	var sum uint32
	for _, h := range l.keys {
		sum += h
	}
	l.hash = sum
}

type node struct {
	hash     uint32
	children map[byte]*node // keyed by hex digit at this depth
	leaf     *leaf          // non-nil only at depth == tree.depth
}

func newNode() *node {
	return &node{}
}

// Tree is a depth-d bucketed Merkle tree over a keyspace. It is safe for
// concurrent use.
type Tree struct {
	mu    sync.RWMutex
	depth int
	root  *node
}

// New creates an empty tree with the given config.
func New(cfg Config) *Tree {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	return &Tree{depth: cfg.Depth, root: newNode()}
}

// bucketPath returns the leading `depth` hex characters of a fast
// non-cryptographic hash of key, one hex digit per tree level.
func bucketPath(key string, depth int) []byte {
	h := xxhash.Sum64String(key)
	path := make([]byte, depth)
	for i := 0; i < depth; i++ {
		shift := uint(60 - 4*i)
		if shift > 60 {
			// depth*4 > 64 bits available; wrap by reusing the low nibble.
			shift = 0
		}
		nibble := byte((h >> shift) & 0xF)
		path[i] = hexDigits[nibble]
	}
	return path
}

// leafItemHash computes the deterministic per-key hash used as the summed
// leaf contribution: LWW records hash "key:millis:counter:nodeId" (already
// produced by clock.Key), OR records hash the key concatenated with the
// sorted tag+timestamp list. Callers supply the already-canonicalized
// string; this keeps the merkle package agnostic of CRDT record shape.
func leafItemHash(canonical string) uint32 {
	h := xxhash.Sum64String(canonical)
	return uint32(h) ^ uint32(h>>32)
}

// Update incrementally inserts or replaces the leaf contribution for key,
// using canonical as the input to the per-key hash. This is O(depth).
func (t *Tree) Update(key, canonical string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateLocked(key, canonical)
}

func (t *Tree) updateLocked(key, canonical string) {
	path := bucketPath(key, t.depth)
	h := leafItemHash(canonical)

	cur := t.root
	nodes := make([]*node, 0, t.depth+1)
	nodes = append(nodes, cur)
	for i := 0; i < t.depth; i++ {
		if cur.children == nil {
			cur.children = make(map[byte]*node)
		}
		child, ok := cur.children[path[i]]
		if !ok {
			child = newNode()
			cur.children[path[i]] = child
		}
		cur = child
		nodes = append(nodes, cur)
	}
	if cur.leaf == nil {
		cur.leaf = newLeaf()
	}
	cur.leaf.keys[key] = h
	cur.leaf.recompute()
	cur.hash = cur.leaf.hash

	t.recomputeAncestors(nodes)
}

// Remove deletes key's contribution from the tree (used when a tombstone is
// pruned, §4.3).
func (t *Tree) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := bucketPath(key, t.depth)
	cur := t.root
	nodes := []*node{cur}
	for i := 0; i < t.depth; i++ {
		if cur.children == nil {
			return
		}
		child, ok := cur.children[path[i]]
		if !ok {
			return
		}
		cur = child
		nodes = append(nodes, cur)
	}
	if cur.leaf == nil {
		return
	}
	delete(cur.leaf.keys, key)
	cur.leaf.recompute()
	cur.hash = cur.leaf.hash

	t.recomputeAncestors(nodes)
}

func (t *Tree) recomputeAncestors(pathNodes []*node) {
	for i := len(pathNodes) - 2; i >= 0; i-- {
		parent := pathNodes[i]
		var sum uint32
		for _, child := range parent.children {
			sum += child.hash
		}
		parent.hash = sum
	}
}

// RootHash returns the current root hash. Equal root hashes across peers is
// the convergence test (§4.1.4, testable property 3).
func (t *Tree) RootHash() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.hash
}

// Rebuild discards all state and rebuilds the tree from scratch given a
// full set of (key -> canonical) pairs. O(N); used at startup from a
// snapshot (§6.3) or after a partition migration.
func (t *Tree) Rebuild(entries map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = newNode()
	// Deterministic iteration order does not affect the result (root hash
	// depends only on the set, not insertion order — testable property 3),
	// but sorting keys keeps rebuilds reproducible for debugging/tests.
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.updateLocked(k, entries[k])
	}
}

// Bucket describes one top-level (depth-1) bucket's hash, used to build a
// DIGEST_SNAPSHOT wire payload (§6.1).
type Bucket struct {
	Path byte
	Hash uint32
}

// Snapshot returns the hash of every first-level bucket, sorted by path.
func (t *Tree) Snapshot() []Bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buckets := make([]Bucket, 0, len(t.root.children))
	for path, child := range t.root.children {
		buckets = append(buckets, Bucket{Path: path, Hash: child.hash})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Path < buckets[j].Path })
	return buckets
}

// Diff compares this tree's top-level buckets against a peer's snapshot and
// returns the paths whose hashes disagree — the starting point for a
// DIGEST_REQUEST walk deeper into the tree (§6.1).
func (t *Tree) Diff(peer []Bucket) []byte {
	mine := t.Snapshot()
	peerByPath := make(map[byte]uint32, len(peer))
	for _, b := range peer {
		peerByPath[b.Path] = b.Hash
	}

	seen := make(map[byte]bool, len(mine))
	var diffs []byte
	for _, b := range mine {
		seen[b.Path] = true
		if ph, ok := peerByPath[b.Path]; !ok || ph != b.Hash {
			diffs = append(diffs, b.Path)
		}
	}
	for _, b := range peer {
		if !seen[b.Path] {
			diffs = append(diffs, b.Path)
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })
	return diffs
}

// Keys returns every key currently tracked by the tree, mostly for tests and
// debugging; production code should prefer Diff/Snapshot for anti-entropy.
func (t *Tree) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []string
	var walk func(n *node)
	walk = func(n *node) {
		if n.leaf != nil {
			for k := range n.leaf.keys {
				keys = append(keys, k)
			}
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	sort.Strings(keys)
	return keys
}

// String is a debug helper.
func (t *Tree) String() string {
	return fmt.Sprintf("Tree{depth=%d, root=%08x, keys=%d}", t.depth, t.RootHash(), len(t.Keys()))
}
