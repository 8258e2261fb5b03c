package merkle

import (
	"math/rand"
	"testing"
)

func TestRootHashDependsOnlyOnSet(t *testing.T) {
	entries := map[string]string{
		"a": "a:1:0:n1",
		"b": "b:2:0:n1",
		"c": "c:3:0:n1",
		"d": "d:4:0:n1",
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	t1 := New(DefaultConfig())
	for _, k := range keys {
		t1.Update(k, entries[k])
	}

	rnd := rand.New(rand.NewSource(7))
	shuffled := append([]string(nil), keys...)
	rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	t2 := New(DefaultConfig())
	for _, k := range shuffled {
		t2.Update(k, entries[k])
	}

	if t1.RootHash() != t2.RootHash() {
		t.Errorf("root hash depends on insertion order: %08x != %08x", t1.RootHash(), t2.RootHash())
	}
}

func TestUpdateIsIncrementalAndMatchesRebuild(t *testing.T) {
	entries := map[string]string{
		"k1": "k1:10:0:n1",
		"k2": "k2:20:0:n1",
		"k3": "k3:30:0:n1",
	}

	incremental := New(DefaultConfig())
	for k, v := range entries {
		incremental.Update(k, v)
	}

	rebuilt := New(DefaultConfig())
	rebuilt.Rebuild(entries)

	if incremental.RootHash() != rebuilt.RootHash() {
		t.Errorf("incremental update root %08x != rebuild root %08x", incremental.RootHash(), rebuilt.RootHash())
	}
}

func TestRemoveReflectsInRootHash(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update("a", "a:1:0:n1")
	withA := tr.RootHash()

	tr.Update("b", "b:2:0:n1")
	tr.Remove("b")

	if tr.RootHash() != withA {
		t.Errorf("expected root hash to return to pre-add value after remove, got %08x want %08x", tr.RootHash(), withA)
	}
}

func TestDiffFindsChangedBuckets(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		canon := key
		a.Update(key, canon)
		b.Update(key, canon)
	}

	// Diverge b on one key.
	b.Update("z", "z:999:0:other")

	diffs := a.Diff(b.Snapshot())
	if len(diffs) == 0 {
		t.Errorf("expected at least one differing bucket after divergence")
	}
}

func TestDiffEmptyWhenConverged(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		a.Update(key, key)
		b.Update(key, key)
	}

	if diffs := a.Diff(b.Snapshot()); len(diffs) != 0 {
		t.Errorf("expected no diffs between converged trees, got %v", diffs)
	}
}
