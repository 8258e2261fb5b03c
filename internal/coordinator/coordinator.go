// Package coordinator implements the per-node ServerCoordinator (§4.2): the
// single controller that takes a local write or an incoming remote event,
// drives it through HLC timestamping, conflict resolution, the in-memory
// CRDT maps, the append-only log, and the network broadcast, and fulfills
// the caller's requested write concern.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/errs"
	"github.com/latticedb/engine/internal/hooks"
	"github.com/latticedb/engine/internal/monitoring"
	"github.com/latticedb/engine/internal/network"
	"github.com/latticedb/engine/internal/types"
)

// WriteConcern ranks how durable/visible a write must be before its promise
// resolves (§4.2). The ranking is also the order in which the coordinator
// performs the underlying work — see ProcessLocalOp's doc comment.
type WriteConcern int

const (
	FireAndForget WriteConcern = iota
	Memory
	Applied
	Replicated
	Persisted
)

func (w WriteConcern) String() string {
	switch w {
	case FireAndForget:
		return "FIRE_AND_FORGET"
	case Memory:
		return "MEMORY"
	case Applied:
		return "APPLIED"
	case Replicated:
		return "REPLICATED"
	case Persisted:
		return "PERSISTED"
	default:
		return "UNKNOWN"
	}
}

// WriteOptions configures a single write's concern level and deadline.
type WriteOptions struct {
	Concern WriteConcern
	Timeout time.Duration // 0 means DefaultWriteTimeout
}

// DefaultWriteTimeout applies when WriteOptions.Timeout is zero.
const DefaultWriteTimeout = 5 * time.Second

// WriteReceipt is what a write promise resolves with.
type WriteReceipt struct {
	AchievedLevel WriteConcern
	Timestamp     clock.Timestamp
	Success       bool
}

// AppendLog is the §6.3 persisted-state interface: one append-only log
// entry per CLUSTER_EVENT. A concrete implementation lives in
// internal/storage; tests and FIRE_AND_FORGET-only deployments may pass nil,
// in which case persistence trivially succeeds without touching disk.
type AppendLog interface {
	Append(mapName string, event types.ClusterEvent) error
}

type noopLog struct{}

func (noopLog) Append(string, types.ClusterEvent) error { return nil }

// mapEntry is one registered map's CRDT backing store, tagged by kind so the
// coordinator dispatches by the wire-carried variant rather than a runtime
// type switch (§9 design notes). Exactly one of lww/or/pn is non-nil.
type mapEntry struct {
	kind types.MapKind
	lww  *crdt.LWWMap
	or   *crdt.ORMap
	pn   *crdt.PNCounterMap
}

// RejectionEvent is delivered to rejection-stream subscribers (onRejection,
// §6.2) whenever a conflict resolver rejects an incoming remote merge.
type RejectionEvent struct {
	MapName      string
	Key          string
	RemoteNodeID string
	Reason       string
	Timestamp    clock.Timestamp
}

// Coordinator is the single per-node controller (§4.2).
type Coordinator struct {
	nodeID  string
	logger  *zap.Logger
	metrics *monitoring.Metrics
	clk     *clock.Clock
	net     network.Network
	hooks   *hooks.Registry
	log     AppendLog

	mu   sync.RWMutex
	maps map[string]*mapEntry

	seq int64

	subMu  sync.Mutex
	subs   map[string]*Subscription
	topics map[string]map[string]*Subscription // topic name -> sub id -> sub

	rejMu   sync.Mutex
	rejSubs map[string]func(RejectionEvent)
	rejSeq  int
}

// Config bundles a Coordinator's collaborators. Logger, Metrics, Net, Hooks
// and Log may all be nil; sensible no-op defaults are substituted.
type Config struct {
	NodeID  string
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Net     network.Network
	Hooks   *hooks.Registry
	Log     AppendLog
}

// New creates a Coordinator with no registered maps. RegisterLWWMap/
// RegisterORMap/RegisterPNCounterMap attach the maps it will serve.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hookRegistry := cfg.Hooks
	if hookRegistry == nil {
		hookRegistry = hooks.NewRegistry(logger, cfg.Metrics)
	}
	log := cfg.Log
	if log == nil {
		log = noopLog{}
	}

	c := &Coordinator{
		nodeID:  cfg.NodeID,
		logger:  logger,
		metrics: cfg.Metrics,
		clk:     clock.New(cfg.NodeID),
		net:     cfg.Net,
		hooks:   hookRegistry,
		log:     log,
		maps:    make(map[string]*mapEntry),
		subs:    make(map[string]*Subscription),
		topics:  make(map[string]map[string]*Subscription),
		rejSubs: make(map[string]func(RejectionEvent)),
	}
	if c.net != nil {
		c.net.OnMessage(types.MsgClusterEvent, c.onClusterEventMessage)
		c.net.OnMessage(types.MsgClusterBatch, c.onClusterBatchMessage)
	}
	return c
}

// RegisterLWWMap attaches an LWW-Map under mapName.
func (c *Coordinator) RegisterLWWMap(mapName string, m *crdt.LWWMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps[mapName] = &mapEntry{kind: types.MapKindLWW, lww: m}
}

// RegisterORMap attaches an OR-Map under mapName.
func (c *Coordinator) RegisterORMap(mapName string, m *crdt.ORMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps[mapName] = &mapEntry{kind: types.MapKindOR, or: m}
}

// RegisterPNCounterMap attaches a PN-Counter map under mapName.
func (c *Coordinator) RegisterPNCounterMap(mapName string, m *crdt.PNCounterMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps[mapName] = &mapEntry{kind: types.MapKindPN, pn: m}
}

// Get reads key's current value out of mapName: the live value for an
// LWW-Map, the set of surviving OR-Map records for an OR-Map, or the
// running total for a PN-Counter map.
func (c *Coordinator) Get(mapName, key string) (value interface{}, ok bool, err error) {
	e, err := c.entry(mapName)
	if err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch e.kind {
	case types.MapKindLWW:
		v, found := e.lww.Get(key)
		return v, found, nil
	case types.MapKindOR:
		recs := e.or.Get(key)
		return recs, len(recs) > 0, nil
	case types.MapKindPN:
		return e.pn.Get(key), true, nil
	default:
		return nil, false, errs.RoutingError("unsupported map kind %q for key/value reads", e.kind)
	}
}

func (c *Coordinator) entry(mapName string) (*mapEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.maps[mapName]
	if !ok {
		return nil, errs.RoutingError("no map registered under %q", mapName)
	}
	return e, nil
}

func (c *Coordinator) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

// ProcessLocalOp is the primary write path (§4.2): assign an HLC timestamp,
// consult applicable conflict resolvers, apply to the in-memory CRDT,
// broadcast a CLUSTER_EVENT, persist to the append-only log, and fulfill
// the requested write concern.
//
// Internally the coordinator always performs every stage (apply, broadcast,
// persist) regardless of the requested concern — a write concern never
// decides whether the work happens. Every concern other than FireAndForget
// waits for the whole pipeline to finish (or the deadline to expire), not
// only for the stage that concern names. Stages execute in rank order (apply → broadcast → persist) so that
// achievedLevel is always the highest rank whose stage has actually
// completed; this is also why a broadcast failure is reported at
// achievedLevel=APPLIED (persist hasn't run yet) while a persistence
// failure can still report achievedLevel=REPLICATED (broadcast already
// ran). If the caller's deadline expires first, the receipt reports
// whatever level the background write had actually reached by then rather
// than a fixed constant.
func (c *Coordinator) ProcessLocalOp(ctx context.Context, mapName, key string, value interface{}, opType types.RecordOpType, opts WriteOptions) (WriteReceipt, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e, err := c.entry(mapName)
	if err != nil {
		return WriteReceipt{AchievedLevel: FireAndForget}, err
	}
	if e.kind == types.MapKindPN {
		return WriteReceipt{AchievedLevel: FireAndForget}, errs.ValidationError("map %q is a PN-Counter map; use ProcessCounterDelta", mapName)
	}

	if opts.Concern == FireAndForget {
		go func() {
			bg := context.Background()
			if _, err := c.applyPersistBroadcast(bg, mapName, key, value, opType, e, nil); err != nil {
				c.logger.Warn("fire-and-forget local op failed", zap.String("map", mapName), zap.String("key", key), zap.Error(err))
			}
		}()
		return WriteReceipt{AchievedLevel: FireAndForget, Success: true}, nil
	}

	type outcome struct {
		receipt WriteReceipt
		err     error
	}
	start := time.Now()
	var progress atomic.Int32
	progress.Store(int32(Memory))
	done := make(chan outcome, 1)
	go func() {
		r, err := c.applyPersistBroadcast(ctx, mapName, key, value, opType, e, &progress)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if c.metrics != nil {
			c.metrics.WriteLatency.WithLabelValues(o.receipt.AchievedLevel.String()).Observe(time.Since(start).Seconds())
		}
		return o.receipt, o.err
	case <-ctx.Done():
		return WriteReceipt{AchievedLevel: WriteConcern(progress.Load())},
			errs.TimeoutError("write to %s/%s did not reach %s within %s", mapName, key, opts.Concern, timeout)
	}
}

// applyPersistBroadcast runs the full local-write pipeline and reports the
// highest write-concern rank actually achieved. progress, when non-nil, is
// updated as each stage completes so a caller racing a deadline can read
// back the true highest-reached level instead of a fixed constant.
func (c *Coordinator) applyPersistBroadcast(ctx context.Context, mapName, key string, value interface{}, opType types.RecordOpType, e *mapEntry, progress *atomic.Int32) (WriteReceipt, error) {
	ts := c.clk.Now()
	resolved, rejected, reason := c.arbitrateLocal(mapName, key, value, e)
	if rejected {
		if c.metrics != nil {
			c.metrics.MergeRejections.Inc()
		}
		return WriteReceipt{AchievedLevel: FireAndForget}, errs.MergeRejectionError("local write to %s/%s rejected: %s", mapName, key, reason)
	}

	event, err := c.applyLocal(mapName, key, resolved, opType, ts, e)
	if err != nil {
		return WriteReceipt{AchievedLevel: Memory}, err
	}
	receipt := WriteReceipt{AchievedLevel: Applied, Timestamp: ts, Success: true}
	if progress != nil {
		progress.Store(int32(Applied))
	}

	if c.net != nil {
		seq := c.nextSeq()
		msg := types.ProtocolMessage{Type: types.MsgClusterEvent, NodeID: c.nodeID, Seq: seq, Timestamp: ts.Millis, Payload: event}
		if err := c.net.BroadcastMessage(msg); err != nil {
			c.logger.Warn("broadcast failed", zap.String("map", mapName), zap.String("key", key), zap.Error(err))
			receipt.Success = false
			return receipt, errs.RoutingError("broadcasting %s/%s failed: %v", mapName, key, err)
		}
		receipt.AchievedLevel = Replicated
		if progress != nil {
			progress.Store(int32(Replicated))
		}
	}

	if err := c.log.Append(mapName, event); err != nil {
		c.logger.Warn("append-only log write failed", zap.String("map", mapName), zap.String("key", key), zap.Error(err))
		receipt.Success = false
		return receipt, errs.StaleMapError("persisting %s/%s failed: %v", mapName, key, err).WithOpID(fmt.Sprintf("%s:%s", mapName, key))
	}
	receipt.AchievedLevel = Persisted
	if progress != nil {
		progress.Store(int32(Persisted))
	}

	c.fanOutChange(mapName, key, event)
	if c.metrics != nil {
		c.metrics.OpsProcessed.WithLabelValues(string(opType)).Inc()
	}
	return receipt, nil
}

// arbitrateLocal consults the conflict-resolver chain for mapName/key before
// a local write is admitted, treating the local write's new value as the
// resolver's "remote" candidate against whatever is currently stored. This
// lets a registered resolver veto or rewrite a local write the same way it
// would an incoming peer merge, per §4.2's "run applicable conflict
// resolvers" step.
func (c *Coordinator) arbitrateLocal(mapName, key string, value interface{}, e *mapEntry) (resolved interface{}, rejected bool, reason string) {
	var localValue interface{}
	var localTs clock.Timestamp
	switch e.kind {
	case types.MapKindLWW:
		if rec, ok := e.lww.GetRecord(key); ok {
			localValue, localTs = rec.Value, rec.Timestamp
		}
	case types.MapKindOR:
		// OR-Map concurrent adds always coexist; there is no single
		// "current" value to arbitrate against, so local OR writes skip
		// resolver consultation entirely (see DESIGN.md).
		return value, false, ""
	}

	verdict := c.hooks.Resolve(hooks.ResolverContext{
		MapName:      mapName,
		Key:          key,
		LocalValue:   localValue,
		RemoteValue:  value,
		LocalTs:      localTs,
		RemoteNodeID: c.nodeID,
	})
	switch verdict.Kind {
	case hooks.VerdictReject:
		return nil, true, verdict.Reason
	case hooks.VerdictMerge:
		return verdict.Value, false, ""
	default:
		return value, false, ""
	}
}

func (c *Coordinator) applyLocal(mapName, key string, value interface{}, opType types.RecordOpType, ts clock.Timestamp, e *mapEntry) (types.ClusterEvent, error) {
	switch e.kind {
	case types.MapKindLWW:
		if opType == types.OpRemove {
			rec := e.lww.Remove(key)
			return types.ClusterEvent{MapName: mapName, MapKind: e.kind, Key: key, OpType: types.OpRemove,
				Record: types.Record{Value: nil, Timestamp: rec.Timestamp}}, nil
		}
		if err := e.lww.ApplyLocal(key, value, ts); err != nil {
			return types.ClusterEvent{}, err
		}
		return types.ClusterEvent{MapName: mapName, MapKind: e.kind, Key: key, OpType: types.OpPut,
			Record: types.Record{Value: value, Timestamp: ts}}, nil

	case types.MapKindOR:
		if opType == types.OpRemove {
			tags := e.or.Remove(key, value)
			return types.ClusterEvent{MapName: mapName, MapKind: e.kind, Key: key, OpType: types.OpORRemove,
				Record: types.Record{Value: value, Timestamp: ts, Tag: firstOrEmpty(tags)}}, nil
		}
		rec := e.or.Add(key, value)
		return types.ClusterEvent{MapName: mapName, MapKind: e.kind, Key: key, OpType: types.OpORAdd,
			Record: types.Record{Value: value, Timestamp: rec.Timestamp, Tag: rec.Tag}}, nil

	default:
		return types.ClusterEvent{}, errs.RoutingError("unsupported map kind %q for key/value ops", e.kind)
	}
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// ProcessCounterDelta applies a signed delta to a PN-Counter map entry,
// bypassing conflict resolution (PN-Counter deltas commute unconditionally,
// §4.1.3) and follows the same apply-then-broadcast-then-persist pipeline as
// a regular write, including reporting the true highest-reached level on
// both failure and timeout.
func (c *Coordinator) ProcessCounterDelta(ctx context.Context, mapName, counterName string, delta int64, opts WriteOptions) (WriteReceipt, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e, err := c.entry(mapName)
	if err != nil {
		return WriteReceipt{AchievedLevel: FireAndForget}, err
	}
	if e.kind != types.MapKindPN {
		return WriteReceipt{AchievedLevel: FireAndForget}, errs.ValidationError("map %q is not a PN-Counter map", mapName)
	}

	run := func(ctx context.Context, progress *atomic.Int32) (WriteReceipt, error) {
		ts := c.clk.Now()
		e.pn.AddDelta(counterName, delta)
		state := e.pn.State(counterName)
		event := types.ClusterEvent{MapName: mapName, MapKind: e.kind, Key: counterName, OpType: types.OpPNDelta,
			Record: types.Record{Value: state, Timestamp: ts}}
		receipt := WriteReceipt{AchievedLevel: Applied, Timestamp: ts, Success: true}
		if progress != nil {
			progress.Store(int32(Applied))
		}

		if c.net != nil {
			seq := c.nextSeq()
			msg := types.ProtocolMessage{Type: types.MsgClusterEvent, NodeID: c.nodeID, Seq: seq, Timestamp: ts.Millis, Payload: event}
			if err := c.net.BroadcastMessage(msg); err != nil {
				receipt.Success = false
				return receipt, errs.RoutingError("broadcasting %s/%s failed: %v", mapName, counterName, err)
			}
			receipt.AchievedLevel = Replicated
			if progress != nil {
				progress.Store(int32(Replicated))
			}
		}

		if err := c.log.Append(mapName, event); err != nil {
			receipt.Success = false
			return receipt, errs.StaleMapError("persisting %s/%s failed: %v", mapName, counterName, err)
		}
		receipt.AchievedLevel = Persisted
		if progress != nil {
			progress.Store(int32(Persisted))
		}

		c.fanOutChange(mapName, counterName, event)
		if c.metrics != nil {
			c.metrics.OpsProcessed.WithLabelValues(string(types.OpPNDelta)).Inc()
		}
		return receipt, nil
	}

	if opts.Concern == FireAndForget {
		go func() {
			if _, err := run(context.Background(), nil); err != nil {
				c.logger.Warn("fire-and-forget counter delta failed", zap.String("map", mapName), zap.String("counter", counterName), zap.Error(err))
			}
		}()
		return WriteReceipt{AchievedLevel: FireAndForget, Success: true}, nil
	}

	type outcome struct {
		receipt WriteReceipt
		err     error
	}
	var progress atomic.Int32
	progress.Store(int32(Memory))
	done := make(chan outcome, 1)
	go func() {
		r, err := run(ctx, &progress)
		done <- outcome{r, err}
	}()
	select {
	case o := <-done:
		return o.receipt, o.err
	case <-ctx.Done():
		return WriteReceipt{AchievedLevel: WriteConcern(progress.Load())},
			errs.TimeoutError("counter delta to %s/%s did not reach %s within %s", mapName, counterName, opts.Concern, timeout)
	}
}

func (c *Coordinator) onClusterEventMessage(msg types.ProtocolMessage) {
	event, ok := msg.Payload.(types.ClusterEvent)
	if !ok {
		c.logger.Warn("CLUSTER_EVENT payload had unexpected shape", zap.Any("payload", msg.Payload))
		return
	}
	if err := c.ProcessRemoteEvent(event); err != nil {
		c.logger.Warn("processing remote event failed", zap.String("map", event.MapName), zap.String("key", event.Key), zap.Error(err))
	}
}

func (c *Coordinator) onClusterBatchMessage(msg types.ProtocolMessage) {
	batch, ok := msg.Payload.(types.ClusterBatch)
	if !ok {
		c.logger.Warn("CLUSTER_BATCH payload had unexpected shape", zap.Any("payload", msg.Payload))
		return
	}
	for _, event := range batch.Events {
		if err := c.ProcessRemoteEvent(event); err != nil {
			c.logger.Warn("processing batched remote event failed", zap.String("map", event.MapName), zap.String("key", event.Key), zap.Error(err))
		}
	}
}

// ProcessRemoteEvent merges one incoming delta via the §4.1 merge laws and
// fans the outcome out to local subscribers. Per §7, a CRDT merge never
// returns an error for a semantic disagreement — a resolver-rejected remote
// record is reported on the rejection stream and a superseded one is
// dropped; neither is an error returned to the network layer.
func (c *Coordinator) ProcessRemoteEvent(event types.ClusterEvent) error {
	e, err := c.entry(event.MapName)
	if err != nil {
		return err
	}

	switch e.kind {
	case types.MapKindLWW:
		return c.mergeRemoteLWW(event, e.lww)
	case types.MapKindOR:
		return c.mergeRemoteOR(event, e.or)
	case types.MapKindPN:
		return c.mergeRemotePN(event, e.pn)
	default:
		return errs.RoutingError("unsupported map kind %q", e.kind)
	}
}

func (c *Coordinator) mergeRemoteLWW(event types.ClusterEvent, m *crdt.LWWMap) error {
	cur, _ := m.GetRecord(event.Key)
	verdict := c.hooks.Resolve(hooks.ResolverContext{
		MapName:      event.MapName,
		Key:          event.Key,
		LocalValue:   cur.Value,
		RemoteValue:  event.Record.Value,
		LocalTs:      cur.Timestamp,
		RemoteTs:     event.Record.Timestamp,
		RemoteNodeID: event.Record.Timestamp.NodeID,
	})
	if verdict.Kind == hooks.VerdictReject {
		c.publishRejection(RejectionEvent{MapName: event.MapName, Key: event.Key, RemoteNodeID: event.Record.Timestamp.NodeID, Reason: verdict.Reason, Timestamp: event.Record.Timestamp})
		return nil
	}

	value, ts := event.Record.Value, event.Record.Timestamp
	if verdict.Kind == hooks.VerdictMerge {
		value, ts = verdict.Value, c.clk.Now()
	}
	applied, conflict := m.Merge(event.Key, crdt.LWWRecord{Value: value, Timestamp: ts})
	if conflict == crdt.ConcurrentWriteConflict && c.metrics != nil {
		c.metrics.MergeConflicts.Inc()
	}
	if applied {
		c.fanOutChange(event.MapName, event.Key, event)
	}
	return nil
}

// mergeRemoteOR applies an incoming OR-Map add/remove directly: concurrent
// adds always coexist and tombstones are tag-addressed, so there is no
// either/or decision for a resolver to arbitrate (see DESIGN.md).
func (c *Coordinator) mergeRemoteOR(event types.ClusterEvent, m *crdt.ORMap) error {
	switch event.OpType {
	case types.OpORRemove:
		m.ApplyTombstone(event.Record.Tag, event.Record.Timestamp)
	default:
		m.Apply(crdt.ORRecord{Key: event.Key, Value: event.Record.Value, Timestamp: event.Record.Timestamp, Tag: event.Record.Tag})
	}
	c.fanOutChange(event.MapName, event.Key, event)
	return nil
}

// mergeRemotePN merges an incoming P/N vector via element-wise max; deltas
// commute so, like OR-Map, no resolver consultation applies.
func (c *Coordinator) mergeRemotePN(event types.ClusterEvent, m *crdt.PNCounterMap) error {
	state, ok := event.Record.Value.(crdt.PNState)
	if !ok {
		return errs.ValidationError("PN_DELTA record for %s/%s had unexpected value type %T", event.MapName, event.Key, event.Record.Value)
	}
	m.Merge(event.Key, state)
	c.fanOutChange(event.MapName, event.Key, event)
	return nil
}

func (c *Coordinator) publishRejection(ev RejectionEvent) {
	c.rejMu.Lock()
	cbs := make([]func(RejectionEvent), 0, len(c.rejSubs))
	for _, cb := range c.rejSubs {
		cbs = append(cbs, cb)
	}
	c.rejMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// OnRejection registers cb to receive every MergeRejection event on this
// node (§6.2). The returned disposer removes the subscription.
func (c *Coordinator) OnRejection(cb func(RejectionEvent)) (dispose func()) {
	c.rejMu.Lock()
	c.rejSeq++
	id := fmt.Sprintf("rej-%d", c.rejSeq)
	c.rejSubs[id] = cb
	c.rejMu.Unlock()
	return func() {
		c.rejMu.Lock()
		delete(c.rejSubs, id)
		c.rejMu.Unlock()
	}
}

// Hooks returns the entry-processor/conflict-resolver registry backing
// ExecuteOnKey/RegisterResolver/UnregisterResolver on the §6.2 client
// surface (pkg/latticedb).
func (c *Coordinator) Hooks() *hooks.Registry { return c.hooks }
