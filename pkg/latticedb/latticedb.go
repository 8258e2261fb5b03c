// Package latticedb is the public client surface (§6.2): write/remove/
// query/search/topic/executeOnKey/register-resolver/onRejection over one
// node's Coordinator, with the network transport, append-only persisted
// log, and distributed garbage collector wired in behind it.
package latticedb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/coordinator"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/crypto/pqc"
	"github.com/latticedb/engine/internal/gc"
	"github.com/latticedb/engine/internal/hooks"
	"github.com/latticedb/engine/internal/merkle"
	"github.com/latticedb/engine/internal/monitoring"
	"github.com/latticedb/engine/internal/network"
	"github.com/latticedb/engine/internal/storage"
	"github.com/latticedb/engine/internal/types"
)

// Options configures a DB instance.
type Options struct {
	// DataDir is where the append-only log is written (§6.3).
	DataDir string
	// BootstrapPeers seeds cluster discovery; empty starts a single-node
	// cluster that others can later join.
	BootstrapPeers []string
	// EncryptedMaps lists map names whose log entries are PQC-encrypted at
	// rest; has no effect unless MasterKey is also set.
	EncryptedMaps []string
	MasterKey     *pqc.PQCKeyPair
	// GCAge is how long a tombstone must sit unobserved by any client
	// before it's eligible for pruning; defaults to gc.DefaultGCAge.
	GCAge   time.Duration
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// DB is the public wrapper around one node's Coordinator.
type DB struct {
	coord   *coordinator.Coordinator
	net     *network.NetworkManager
	log     *storage.FileLog
	gc      *gc.Collector
	tracker *ClientTracker
	cancel  context.CancelFunc
}

// New constructs and starts a DB: opens its append-only log, joins the
// network, and starts the background garbage collector. Call
// RegisterLWWMap/RegisterORMap/RegisterPNCounterMap for each map the node
// serves before issuing writes against it.
func New(ctx context.Context, opts Options) (*DB, error) {
	if ctx == nil {
		return nil, fmt.Errorf("latticedb: ctx cannot be nil")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("latticedb: DataDir cannot be empty")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fileLog, err := storage.NewFileLog(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("latticedb: open append log: %w", err)
	}
	if opts.MasterKey != nil {
		fileLog.SetMasterKey(opts.MasterKey)
		for _, mapName := range opts.EncryptedMaps {
			fileLog.EncryptMap(mapName)
		}
	}

	netCtx, cancel := context.WithCancel(ctx)
	netManager := network.NewNetworkManager(netCtx, logger)
	if err := netManager.Initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("latticedb: initialize network: %w", err)
	}
	if err := netManager.JoinCluster(opts.BootstrapPeers); err != nil {
		cancel()
		return nil, fmt.Errorf("latticedb: join cluster: %w", err)
	}

	tracker := NewClientTracker()
	nodeID := netManager.GetNodeID()

	coord := coordinator.New(coordinator.Config{
		NodeID:  nodeID,
		Logger:  logger,
		Metrics: opts.Metrics,
		Net:     netManager,
		Log:     fileLog,
	})

	gcAge := opts.GCAge
	if gcAge <= 0 {
		gcAge = gc.DefaultGCAge
	}
	collector := gc.New(gc.Config{
		NodeID:  nodeID,
		GCAge:   gcAge,
		Net:     netManager,
		Tracker: tracker,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	collector.Start()

	return &DB{
		coord:   coord,
		net:     netManager,
		log:     fileLog,
		gc:      collector,
		tracker: tracker,
		cancel:  cancel,
	}, nil
}

// RegisterLWWMap attaches a new LWW-Map under mapName, replaying any
// persisted log entries before the map accepts new local writes, and
// registers it with the garbage collector.
func (d *DB) RegisterLWWMap(mapName string) error {
	m := crdt.NewLWWMap(clock.New(d.net.GetNodeID()), merkle.DefaultConfig())
	d.coord.RegisterLWWMap(mapName, m)
	if err := d.replay(mapName); err != nil {
		return err
	}
	d.gc.RegisterMap(gc.WrapLWWMap(mapName, m))
	return nil
}

// RegisterORMap attaches a new OR-Map under mapName, replaying any
// persisted log entries, and registers it with the garbage collector.
func (d *DB) RegisterORMap(mapName string) error {
	m := crdt.NewORMap(clock.New(d.net.GetNodeID()), merkle.DefaultConfig())
	d.coord.RegisterORMap(mapName, m)
	if err := d.replay(mapName); err != nil {
		return err
	}
	d.gc.RegisterMap(gc.WrapORMap(mapName, m))
	return nil
}

// RegisterPNCounterMap attaches a new PN-Counter map under mapName,
// replaying any persisted log entries. PN-Counter deltas carry no
// tombstones, so it is not registered with the garbage collector.
func (d *DB) RegisterPNCounterMap(mapName string) error {
	m := crdt.NewPNCounterMap(d.net.GetNodeID())
	d.coord.RegisterPNCounterMap(mapName, m)
	return d.replay(mapName)
}

func (d *DB) replay(mapName string) error {
	events, err := d.log.Replay(mapName)
	if err != nil {
		return fmt.Errorf("latticedb: replay %q: %w", mapName, err)
	}
	for _, ev := range events {
		if err := d.coord.ProcessRemoteEvent(ev); err != nil {
			return fmt.Errorf("latticedb: replay event for %q: %w", mapName, err)
		}
	}
	return nil
}

// Write sets key's value in mapName (§6.2 write()).
func (d *DB) Write(ctx context.Context, mapName, key string, value interface{}, opts coordinator.WriteOptions) (coordinator.WriteReceipt, error) {
	return d.coord.ProcessLocalOp(ctx, mapName, key, value, types.OpPut, opts)
}

// Remove tombstones key in mapName (§6.2 remove()).
func (d *DB) Remove(ctx context.Context, mapName, key string, opts coordinator.WriteOptions) (coordinator.WriteReceipt, error) {
	return d.coord.ProcessLocalOp(ctx, mapName, key, nil, types.OpRemove, opts)
}

// AddToSet adds value under key in an OR-Map (§4.1.2).
func (d *DB) AddToSet(ctx context.Context, mapName, key string, value interface{}, opts coordinator.WriteOptions) (coordinator.WriteReceipt, error) {
	return d.coord.ProcessLocalOp(ctx, mapName, key, value, types.OpORAdd, opts)
}

// RemoveFromSet tombstones value under key in an OR-Map, observed-remove
// semantics (§4.1.2).
func (d *DB) RemoveFromSet(ctx context.Context, mapName, key string, value interface{}, opts coordinator.WriteOptions) (coordinator.WriteReceipt, error) {
	return d.coord.ProcessLocalOp(ctx, mapName, key, value, types.OpORRemove, opts)
}

// IncrementCounter applies delta to counterName in a PN-Counter map.
func (d *DB) IncrementCounter(ctx context.Context, mapName, counterName string, delta int64, opts coordinator.WriteOptions) (coordinator.WriteReceipt, error) {
	return d.coord.ProcessCounterDelta(ctx, mapName, counterName, delta, opts)
}

// Get reads key's current value out of mapName.
func (d *DB) Get(mapName, key string) (interface{}, bool, error) {
	return d.coord.Get(mapName, key)
}

// Query returns a subscription over mapName's keys matching filter (§6.2
// query()).
func (d *DB) Query(mapName string, filter coordinator.Filter) (*coordinator.Subscription, error) {
	return d.coord.Query(mapName, filter)
}

// LiveQuery behaves like Query; see coordinator.Coordinator.LiveQuery.
func (d *DB) LiveQuery(mapName string, filter coordinator.Filter) (*coordinator.Subscription, error) {
	return d.coord.LiveQuery(mapName, filter)
}

// Search returns a ranked subscription over mapName matching text (§6.2
// search()). A nil ranker falls back to unranked substring matching.
func (d *DB) Search(mapName, text string, ranker coordinator.Ranker) (*coordinator.Subscription, error) {
	return d.coord.Search(mapName, text, ranker)
}

// Topic returns a publish/subscribe handle independent of any CRDT map
// (§6.2 topic()).
func (d *DB) Topic(name string) *coordinator.Subscription {
	return d.coord.Topic(name)
}

// Publish delivers payload to every live subscriber of topic name.
func (d *DB) Publish(name string, payload interface{}) {
	d.coord.Publish(name, payload)
}

// ExecuteOnKey runs a registered entry processor against mapName/key under
// the hook registry's per-key lock (§4.5.1, §6.2 executeOnKey()).
func (d *DB) ExecuteOnKey(ctx context.Context, mapName, key, processorName string, args interface{}) (interface{}, error) {
	return d.coord.Hooks().ExecuteOnKey(ctx, mapName, key,
		func() interface{} {
			v, _, _ := d.coord.Get(mapName, key)
			return v
		},
		func(newValue interface{}) error {
			_, err := d.Write(ctx, mapName, key, newValue, coordinator.WriteOptions{})
			return err
		},
		processorName, args)
}

// RegisterProcessor installs an entry processor for executeOnKey calls
// against mapName (§4.5.1).
func (d *DB) RegisterProcessor(mapName string, p *hooks.EntryProcessor) error {
	return d.coord.Hooks().RegisterProcessor(mapName, p)
}

// RegisterResolver installs a conflict resolver for mapName (§4.5.2, §6.2
// registerResolver()).
func (d *DB) RegisterResolver(mapName string, r *hooks.ConflictResolver) error {
	return d.coord.Hooks().RegisterResolver(mapName, r)
}

// UnregisterResolver removes a previously registered resolver (§6.2
// unregisterResolver()).
func (d *DB) UnregisterResolver(mapName, name string) {
	d.coord.Hooks().UnregisterResolver(mapName, name)
}

// OnRejection registers cb to be called whenever a conflict resolver
// rejects an incoming remote merge (§6.2 onRejection()).
func (d *DB) OnRejection(cb func(coordinator.RejectionEvent)) (dispose func()) {
	return d.coord.OnRejection(cb)
}

// TouchClient records clientID as active as-of ts, feeding the distributed
// garbage collector's liveness tracking (§4.3). A transport layer calls
// this on every message it receives from a client connection.
func (d *DB) TouchClient(clientID string, ts clock.Timestamp) {
	d.tracker.Touch(clientID, ts)
}

// ForgetClient removes clientID from the liveness tracker, e.g. on
// disconnect.
func (d *DB) ForgetClient(clientID string) {
	d.tracker.Forget(clientID)
}

// Raw returns the underlying Coordinator for advanced usage not covered by
// this wrapper.
func (d *DB) Raw() *coordinator.Coordinator { return d.coord }

// Shutdown stops the garbage collector, closes the append-only log, and
// tears down the network transport.
func (d *DB) Shutdown() error {
	d.gc.Stop()
	logErr := d.log.Close()
	netErr := d.net.Shutdown()
	d.cancel()
	if logErr != nil {
		return fmt.Errorf("latticedb: shutdown: %w", logErr)
	}
	return netErr
}

// ClientTracker is a minimal in-memory registry of a node's active client
// connections' last-seen HLC, satisfying gc.Tracker. A full connection
// layer (heartbeats, disconnect detection) is out of scope (§1); Touch/
// Forget are the seam a transport layer drives.
type ClientTracker struct {
	mu      sync.Mutex
	clients map[string]clock.Timestamp
}

// NewClientTracker creates an empty tracker.
func NewClientTracker() *ClientTracker {
	return &ClientTracker{clients: make(map[string]clock.Timestamp)}
}

// Touch records clientID as active as-of ts.
func (t *ClientTracker) Touch(clientID string, ts clock.Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[clientID] = ts
}

// Forget removes clientID from the tracker.
func (t *ClientTracker) Forget(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, clientID)
}

// ActiveClientHLCs implements gc.Tracker.
func (t *ClientTracker) ActiveClientHLCs() []clock.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]clock.Timestamp, 0, len(t.clients))
	for _, ts := range t.clients {
		out = append(out, ts)
	}
	return out
}
