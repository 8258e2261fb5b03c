package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/errs"
	"github.com/latticedb/engine/internal/hooks"
	"github.com/latticedb/engine/internal/merkle"
	"github.com/latticedb/engine/internal/network"
	"github.com/latticedb/engine/internal/types"
)

// fakeNetwork is a direct in-process stand-in for internal/network.Network:
// BroadcastMessage on one fakeNetwork invokes the registered handlers of
// every peer it's wired to, synchronously, with no serialization.
type fakeNetwork struct {
	nodeID string

	mu       sync.Mutex
	handlers map[types.MessageType][]network.MessageHandler
	peers    []*fakeNetwork
	failNext bool
}

func newFakeNetwork(nodeID string) *fakeNetwork {
	return &fakeNetwork{nodeID: nodeID, handlers: make(map[types.MessageType][]network.MessageHandler)}
}

func link(nets ...*fakeNetwork) {
	for _, a := range nets {
		for _, b := range nets {
			if a != b {
				a.peers = append(a.peers, b)
			}
		}
	}
}

func (f *fakeNetwork) Initialize() error              { return nil }
func (f *fakeNetwork) JoinCluster(_ []string) error    { return nil }
func (f *fakeNetwork) LeaveCluster() error             { return nil }
func (f *fakeNetwork) SendToPeer(_ string, _ types.ProtocolMessage) error { return nil }
func (f *fakeNetwork) GetStats() *types.NetworkStats   { return &types.NetworkStats{NodeID: f.nodeID} }
func (f *fakeNetwork) GetPeers() []*types.PeerInfo     { return nil }
func (f *fakeNetwork) GetNodeID() string               { return f.nodeID }
func (f *fakeNetwork) Shutdown() error                 { return nil }

func (f *fakeNetwork) OnMessage(mt types.MessageType, h network.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[mt] = append(f.handlers[mt], h)
}

func (f *fakeNetwork) BroadcastMessage(msg types.ProtocolMessage) error {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	peers := append([]*fakeNetwork{}, f.peers...)
	f.mu.Unlock()
	if fail {
		return errs.RoutingError("simulated broadcast failure")
	}
	for _, p := range peers {
		p.mu.Lock()
		hs := append([]network.MessageHandler{}, p.handlers[msg.Type]...)
		p.mu.Unlock()
		for _, h := range hs {
			h(msg)
		}
	}
	return nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []types.ClusterEvent
	fail    bool
}

func (l *fakeLog) Append(mapName string, event types.ClusterEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errs.ValidationError("simulated persistence failure")
	}
	l.entries = append(l.entries, event)
	return nil
}

func newLWWCoordinator(t *testing.T, nodeID, mapName string, net *fakeNetwork, log AppendLog) (*Coordinator, *crdt.LWWMap) {
	t.Helper()
	c := New(Config{NodeID: nodeID, Net: net, Log: log})
	m := crdt.NewLWWMap(clock.New(nodeID), merkle.DefaultConfig())
	c.RegisterLWWMap(mapName, m)
	return c, m
}

func TestLWWConvergenceAcrossTwoCoordinators(t *testing.T) {
	netA, netB := newFakeNetwork("nodeA"), newFakeNetwork("nodeB")
	link(netA, netB)

	a, _ := newLWWCoordinator(t, "nodeA", "users", netA, nil)
	b, _ := newLWWCoordinator(t, "nodeB", "users", netB, nil)

	ctx := context.Background()
	if _, err := a.ProcessLocalOp(ctx, "users", "42", "alice", types.OpPut, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("write on a failed: %v", err)
	}
	if _, err := b.ProcessLocalOp(ctx, "users", "43", "bob", types.OpPut, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("write on b failed: %v", err)
	}

	da, _ := a.entry("users")
	db, _ := b.entry("users")
	if da.lww.Digest() != db.lww.Digest() {
		t.Errorf("expected converged digests after mutual broadcast, got %d vs %d", da.lww.Digest(), db.lww.Digest())
	}
	if v, ok := da.lww.Get("43"); !ok || v != "bob" {
		t.Errorf("expected node A to have received node B's write, got %v %v", v, ok)
	}
	if v, ok := db.lww.Get("42"); !ok || v != "alice" {
		t.Errorf("expected node B to have received node A's write, got %v %v", v, ok)
	}
}

func TestProcessLocalOpAchievesPersistedByDefault(t *testing.T) {
	net := newFakeNetwork("node1")
	c, _ := newLWWCoordinator(t, "node1", "docs", net, nil)

	receipt, err := c.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: Persisted})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.AchievedLevel != Persisted {
		t.Errorf("expected AchievedLevel=Persisted, got %v", receipt.AchievedLevel)
	}
}

func TestProcessLocalOpPersistenceFailureReportsReplicated(t *testing.T) {
	net := newFakeNetwork("node1")
	log := &fakeLog{fail: true}
	c, m := newLWWCoordinator(t, "node1", "docs", net, log)

	receipt, err := c.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: Persisted})
	if err == nil {
		t.Fatal("expected persistence failure to surface as an error")
	}
	if receipt.AchievedLevel != Replicated {
		t.Errorf("expected AchievedLevel=Replicated on persistence failure (broadcast runs first), got %v", receipt.AchievedLevel)
	}
	if receipt.Success {
		t.Error("expected Success=false on persistence failure")
	}
	if _, ok := m.Get("k"); !ok {
		t.Error("expected the value to still be applied in memory despite the persistence failure")
	}
}

func TestProcessLocalOpBroadcastFailureReportsApplied(t *testing.T) {
	net := newFakeNetwork("node1")
	net.failNext = true
	c, _ := newLWWCoordinator(t, "node1", "docs", net, nil)

	receipt, err := c.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: Replicated})
	if err == nil {
		t.Fatal("expected broadcast failure to surface as an error")
	}
	if receipt.AchievedLevel != Applied {
		t.Errorf("expected AchievedLevel=Applied since broadcast failed before persist ran, got %v", receipt.AchievedLevel)
	}
	if receipt.Success {
		t.Error("expected Success=false on broadcast failure")
	}
}

// blockingLog stalls every Append until release is closed, so a test can
// pin a write between the broadcast and persist stages and force its
// deadline to expire in between.
type blockingLog struct {
	*fakeLog
	release chan struct{}
}

func (l *blockingLog) Append(mapName string, event types.ClusterEvent) error {
	<-l.release
	return l.fakeLog.Append(mapName, event)
}

func TestProcessLocalOpTimeoutReportsHighestReachedLevel(t *testing.T) {
	net := newFakeNetwork("node1")
	log := &blockingLog{fakeLog: &fakeLog{}, release: make(chan struct{})}
	defer close(log.release)
	c, _ := newLWWCoordinator(t, "node1", "docs", net, log)

	receipt, err := c.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: Persisted, Timeout: 10 * time.Millisecond})
	if !errs.Is(err, errs.CodeTimeout) {
		t.Fatalf("expected a TimeoutError, got %v", err)
	}
	if receipt.AchievedLevel != Replicated {
		t.Errorf("expected the timeout receipt to report the highest reached level (Replicated), got %v", receipt.AchievedLevel)
	}
}

func TestProcessLocalOpFireAndForgetReturnsImmediately(t *testing.T) {
	net := newFakeNetwork("node1")
	c, m := newLWWCoordinator(t, "node1", "docs", net, nil)

	receipt, err := c.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: FireAndForget})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.AchievedLevel != FireAndForget {
		t.Errorf("expected AchievedLevel=FireAndForget, got %v", receipt.AchievedLevel)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get("k"); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("expected the fire-and-forget write to eventually apply")
}

func TestProcessLocalOpRoutingErrorForUnknownMap(t *testing.T) {
	net := newFakeNetwork("node1")
	c := New(Config{NodeID: "node1", Net: net})

	_, err := c.ProcessLocalOp(context.Background(), "missing", "k", "v", types.OpPut, WriteOptions{})
	if !errs.Is(err, errs.CodeRouting) {
		t.Errorf("expected a RoutingError, got %v", err)
	}
}

func TestRegisteredResolverCanRejectALocalWrite(t *testing.T) {
	net := newFakeNetwork("node1")
	c, m := newLWWCoordinator(t, "node1", "docs", net, nil)
	if err := c.hooks.RegisterResolver("docs", &hooks.ConflictResolver{
		Name:     "guard",
		Priority: 90,
		Fn: func(ctx hooks.ResolverContext) hooks.Verdict {
			if ctx.RemoteValue == "forbidden" {
				return hooks.Verdict{Kind: hooks.VerdictReject, Reason: "blocked value"}
			}
			return hooks.Verdict{Kind: hooks.VerdictAccept, Value: ctx.RemoteValue}
		},
	}); err != nil {
		t.Fatalf("failed to register resolver: %v", err)
	}

	_, err := c.ProcessLocalOp(context.Background(), "docs", "k", "forbidden", types.OpPut, WriteOptions{Concern: Applied})
	if !errs.Is(err, errs.CodeMergeReject) {
		t.Errorf("expected a MergeRejection error, got %v", err)
	}
	if _, ok := m.Get("k"); ok {
		t.Error("expected the rejected write to never reach the map")
	}
}

func TestOnRejectionFiresForRejectedRemoteMerge(t *testing.T) {
	netA, netB := newFakeNetwork("nodeA"), newFakeNetwork("nodeB")
	link(netA, netB)
	a, _ := newLWWCoordinator(t, "nodeA", "docs", netA, nil)
	b, _ := newLWWCoordinator(t, "nodeB", "docs", netB, nil)

	if err := b.hooks.RegisterResolver("docs", &hooks.ConflictResolver{
		Name:     "reject-all",
		Priority: 90,
		Fn:       func(hooks.ResolverContext) hooks.Verdict { return hooks.Verdict{Kind: hooks.VerdictReject, Reason: "no thanks"} },
	}); err != nil {
		t.Fatalf("failed to register resolver: %v", err)
	}

	var gotReason string
	var wg sync.WaitGroup
	wg.Add(1)
	dispose := b.OnRejection(func(ev RejectionEvent) {
		gotReason = ev.Reason
		wg.Done()
	})
	defer dispose()

	if _, err := a.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("write on a failed: %v", err)
	}
	wg.Wait()
	if gotReason != "no thanks" {
		t.Errorf("expected rejection reason 'no thanks', got %q", gotReason)
	}
	if _, ok := b.mustLWW("docs").Get("k"); ok {
		t.Error("expected node B to never apply the rejected remote value")
	}
}

func (c *Coordinator) mustLWW(mapName string) *crdt.LWWMap {
	e, _ := c.entry(mapName)
	return e.lww
}

func TestORMapRemoteAddsCoexist(t *testing.T) {
	netA, netB := newFakeNetwork("nodeA"), newFakeNetwork("nodeB")
	link(netA, netB)

	a := New(Config{NodeID: "nodeA", Net: netA})
	orA := crdt.NewORMap(clock.New("nodeA"), merkle.DefaultConfig())
	a.RegisterORMap("tags", orA)

	b := New(Config{NodeID: "nodeB", Net: netB})
	orB := crdt.NewORMap(clock.New("nodeB"), merkle.DefaultConfig())
	b.RegisterORMap("tags", orB)

	ctx := context.Background()
	if _, err := a.ProcessLocalOp(ctx, "tags", "post1", "funny", types.OpPut, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("write on a failed: %v", err)
	}
	if _, err := b.ProcessLocalOp(ctx, "tags", "post1", "sad", types.OpPut, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("write on b failed: %v", err)
	}

	recsA := orA.Get("post1")
	recsB := orB.Get("post1")
	if len(recsA) != 2 || len(recsB) != 2 {
		t.Fatalf("expected both concurrent adds to coexist on both nodes, got %d on A and %d on B", len(recsA), len(recsB))
	}
}

func TestProcessCounterDeltaAppliesAndBroadcasts(t *testing.T) {
	netA, netB := newFakeNetwork("nodeA"), newFakeNetwork("nodeB")
	link(netA, netB)

	a := New(Config{NodeID: "nodeA", Net: netA})
	pnA := crdt.NewPNCounterMap("nodeA")
	a.RegisterPNCounterMap("counters", pnA)

	b := New(Config{NodeID: "nodeB", Net: netB})
	pnB := crdt.NewPNCounterMap("nodeB")
	b.RegisterPNCounterMap("counters", pnB)

	ctx := context.Background()
	if _, err := a.ProcessCounterDelta(ctx, "counters", "likes", 5, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("delta on a failed: %v", err)
	}
	if _, err := b.ProcessCounterDelta(ctx, "counters", "likes", 2, WriteOptions{Concern: Replicated}); err != nil {
		t.Fatalf("delta on b failed: %v", err)
	}

	if got := pnA.Get("likes"); got != 7 {
		t.Errorf("expected node A's counter to converge to 7, got %d", got)
	}
	if got := pnB.Get("likes"); got != 7 {
		t.Errorf("expected node B's counter to converge to 7, got %d", got)
	}
}

func TestQuerySubscriptionDeliversChangesAndPagination(t *testing.T) {
	net := newFakeNetwork("node1")
	c, _ := newLWWCoordinator(t, "node1", "docs", net, nil)

	sub, err := c.Query("docs", nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer sub.Dispose()

	var mu sync.Mutex
	var changeCount int
	var lastPage []string
	sub.OnChanges(func(ChangeEvent) {
		mu.Lock()
		changeCount++
		mu.Unlock()
	})
	sub.OnPaginationChange(func(p PageEvent) {
		mu.Lock()
		lastPage = p.Keys
		mu.Unlock()
	})

	if _, err := c.ProcessLocalOp(context.Background(), "docs", "k1", "v1", types.OpPut, WriteOptions{Concern: Applied}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if changeCount != 1 {
		t.Errorf("expected exactly one change delivered, got %d", changeCount)
	}
	if len(lastPage) != 1 || lastPage[0] != "k1" {
		t.Errorf("expected pagination update with [k1], got %v", lastPage)
	}
}

func TestTopicPublishSubscribe(t *testing.T) {
	net := newFakeNetwork("node1")
	c := New(Config{NodeID: "node1", Net: net})

	sub := c.Topic("announcements")
	defer sub.Dispose()

	received := make(chan interface{}, 1)
	sub.Subscribe(func(ev ChangeEvent) { received <- ev.Value })

	c.Publish("announcements", "hello")
	select {
	case v := <-received:
		if v != "hello" {
			t.Errorf("expected 'hello', got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for topic delivery")
	}
}

func TestDisposedSubscriptionReceivesNoFurtherChanges(t *testing.T) {
	net := newFakeNetwork("node1")
	c, _ := newLWWCoordinator(t, "node1", "docs", net, nil)

	sub, err := c.Query("docs", nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	fired := false
	sub.OnChanges(func(ChangeEvent) { fired = true })
	sub.Dispose()

	if _, err := c.ProcessLocalOp(context.Background(), "docs", "k", "v", types.OpPut, WriteOptions{Concern: Applied}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if fired {
		t.Error("expected no callback after Dispose")
	}
}
