// Package gc implements distributed tombstone garbage collection (§4.3):
// nodes periodically exchange the oldest HLC timestamp any of their
// connected clients still depends on, aggregate those reports into a
// cluster-wide safe watermark, and prune tombstones older than
// watermark-GCAge from every registered CRDT map.
package gc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/crdt"
	"github.com/latticedb/engine/internal/monitoring"
	"github.com/latticedb/engine/internal/network"
	"github.com/latticedb/engine/internal/types"
)

// DefaultGCAge is the default tombstone retention window (§4.3): 30 days.
const DefaultGCAge = 30 * 24 * time.Hour

// DefaultReportInterval is how often a node broadcasts its minClientHlc.
const DefaultReportInterval = time.Minute

// DefaultStaleReportTTL is how long a peer's report remains part of the
// aggregation before it is treated as silent and excluded from the min.
const DefaultStaleReportTTL = 5 * time.Minute

// Tracker supplies the set of HLC timestamps every currently-connected
// client still depends on. pkg/latticedb's ClientTracker implements it; a
// node with no client-facing surface at all can pass nil and every report degenerates to "now()",
// which is always safe (§4.3: "or now() if none").
type Tracker interface {
	ActiveClientHLCs() []clock.Timestamp
}

// TombstoneInfo names a prunable tombstone and the HLC millis it was
// written at.
type TombstoneInfo struct {
	ID     string
	Millis int64
}

// Prunable is a CRDT map's tombstone surface: enough for the GC pass to
// find and drop entries past the watermark without knowing whether the
// underlying map is an LWW-Map or an OR-Map.
type Prunable interface {
	Name() string
	ScanTombstones() []TombstoneInfo
	Prune(id string)
	Digest() uint32
}

type lwwPrunable struct {
	name string
	m    *crdt.LWWMap
}

// WrapLWWMap adapts an LWW-Map into a Prunable GC target.
func WrapLWWMap(name string, m *crdt.LWWMap) Prunable { return lwwPrunable{name: name, m: m} }

func (p lwwPrunable) Name() string { return p.name }

func (p lwwPrunable) ScanTombstones() []TombstoneInfo {
	keys := p.m.TombstoneKeys()
	out := make([]TombstoneInfo, 0, len(keys))
	for _, k := range keys {
		if rec, ok := p.m.GetRecord(k); ok && rec.IsTombstone() {
			out = append(out, TombstoneInfo{ID: k, Millis: rec.Timestamp.Millis})
		}
	}
	return out
}

func (p lwwPrunable) Prune(id string) { p.m.Prune(id) }
func (p lwwPrunable) Digest() uint32  { return p.m.Digest() }

type orPrunable struct {
	name string
	m    *crdt.ORMap
}

// WrapORMap adapts an OR-Map into a Prunable GC target.
func WrapORMap(name string, m *crdt.ORMap) Prunable { return orPrunable{name: name, m: m} }

func (p orPrunable) Name() string { return p.name }

func (p orPrunable) ScanTombstones() []TombstoneInfo {
	tags := p.m.TombstoneTags()
	out := make([]TombstoneInfo, 0, len(tags))
	for tag, ts := range tags {
		out = append(out, TombstoneInfo{ID: tag, Millis: ts.Millis})
	}
	return out
}

func (p orPrunable) Prune(id string) { p.m.PruneTombstone(id) }
func (p orPrunable) Digest() uint32  { return p.m.Digest() }

// Config bundles a Collector's collaborators and tunables. Logger, Metrics,
// Net, and Tracker may all be nil.
type Config struct {
	NodeID          string
	GCAge           time.Duration
	ReportInterval  time.Duration
	StaleReportTTL  time.Duration
	Clock           *clock.Clock
	Net             network.Network
	Tracker         Tracker
	Logger          *zap.Logger
	Metrics         *monitoring.Metrics
}

type peerReport struct {
	minClientHlc clock.Timestamp
	receivedAt   time.Time
}

// Collector runs the distributed GC protocol for one node: periodic
// minClientHlc reporting, per-peer aggregation, watermark computation, and
// tombstone pruning against every registered map.
type Collector struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	reports map[string]peerReport
	maps    map[string]Prunable

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Collector with no registered maps; RegisterMap attaches the
// maps this node's GC pass will scan. Call Start to begin the periodic
// report/aggregate/prune loop and Stop to end it.
func New(cfg Config) *Collector {
	if cfg.GCAge <= 0 {
		cfg.GCAge = DefaultGCAge
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.StaleReportTTL <= 0 {
		cfg.StaleReportTTL = DefaultStaleReportTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		cfg:     cfg,
		logger:  logger,
		reports: make(map[string]peerReport),
		maps:    make(map[string]Prunable),
	}
	// A node always trusts its own most recent report immediately; a
	// newly joined node with nothing reported yet must not let an absent
	// self-entry make the cluster minimum stall at zero.
	c.reports[cfg.NodeID] = peerReport{minClientHlc: clock.Timestamp{Millis: nowMillisFallback()}, receivedAt: time.Now()}
	if cfg.Net != nil {
		cfg.Net.OnMessage(types.MsgHLCReport, c.onHLCReport)
	}
	return c
}

// nowMillisFallback stands in for time.Now().UnixMilli() at construction;
// kept as a named function so the one non-deterministic call in this
// package is easy to find and swap for a virtual clock in simulation.
func nowMillisFallback() int64 { return time.Now().UnixMilli() }

// RegisterMap attaches a Prunable CRDT map target for the pruning phase.
func (c *Collector) RegisterMap(p Prunable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maps[p.Name()] = p
}

// Start launches the periodic report/aggregate/prune loop in a background
// goroutine. Calling Start twice without an intervening Stop is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.loop(c.stopCh, c.doneCh)
}

// Stop ends the loop started by Start and waits for it to exit. Calling
// Stop without a prior Start, or calling it twice, is a no-op.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-c.doneCh
}

func (c *Collector) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one full report/aggregate/prune cycle; exported as Tick for
// deterministic tests and the simulation harness to drive directly without
// waiting on a real ticker.
func (c *Collector) Tick() { c.tick() }

func (c *Collector) tick() {
	c.report()
	watermark, ok := c.safeWatermark()
	if !ok {
		c.logger.Debug("gc: no reports yet, skipping prune pass")
		return
	}
	cutoff := watermark.Millis - c.cfg.GCAge.Milliseconds()
	c.prune(cutoff)
}

// report computes this node's minClientHlc and broadcasts it (§4.3 step 1).
func (c *Collector) report() {
	min := c.minClientHLC()
	c.mu.Lock()
	c.reports[c.cfg.NodeID] = peerReport{minClientHlc: min, receivedAt: time.Now()}
	c.mu.Unlock()

	if c.cfg.Net == nil {
		return
	}
	msg := types.ProtocolMessage{
		Type:      types.MsgHLCReport,
		NodeID:    c.cfg.NodeID,
		Timestamp: min.Millis,
		Payload:   map[string]interface{}{"nodeId": c.cfg.NodeID, "minClientHlc": min},
	}
	if err := c.cfg.Net.BroadcastMessage(msg); err != nil {
		c.logger.Warn("gc: failed to broadcast HLC report", zap.Error(err))
	}
}

func (c *Collector) minClientHLC() clock.Timestamp {
	now := clock.Timestamp{Millis: nowMillisFallback()}
	if c.cfg.Clock != nil {
		now = c.cfg.Clock.Now()
	}
	if c.cfg.Tracker == nil {
		return now
	}
	active := c.cfg.Tracker.ActiveClientHLCs()
	if len(active) == 0 {
		return now
	}
	min := active[0]
	for _, ts := range active[1:] {
		if clock.Less(ts, min) {
			min = ts
		}
	}
	return min
}

func (c *Collector) onHLCReport(msg types.ProtocolMessage) {
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok {
		return
	}
	ts, ok := decodeTimestamp(payload["minClientHlc"])
	if !ok {
		return
	}
	c.mu.Lock()
	c.reports[msg.NodeID] = peerReport{minClientHlc: ts, receivedAt: time.Now()}
	c.mu.Unlock()
}

// decodeTimestamp tolerates both a clock.Timestamp passed in-process (the
// test/simulation path, where messages never cross a real wire) and the
// map[string]interface{} shape produced by JSON round-tripping over the
// wire transport.
func decodeTimestamp(v interface{}) (clock.Timestamp, bool) {
	switch t := v.(type) {
	case clock.Timestamp:
		return t, true
	case map[string]interface{}:
		ts := clock.Timestamp{}
		if m, ok := t["Millis"].(float64); ok {
			ts.Millis = int64(m)
		}
		if ctr, ok := t["Counter"].(float64); ok {
			ts.Counter = uint32(ctr)
		}
		if nid, ok := t["NodeID"].(string); ok {
			ts.NodeID = nid
		}
		return ts, true
	default:
		return clock.Timestamp{}, false
	}
}

// safeWatermark is the min over every peer report not excluded as stale
// (§4.3 step 2). A peer silent longer than StaleReportTTL is dropped from
// the aggregation entirely rather than pinning the watermark at its last
// known value forever.
func (c *Collector) safeWatermark() (clock.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var min clock.Timestamp
	found := false
	for nodeID, rep := range c.reports {
		if now.Sub(rep.receivedAt) > c.cfg.StaleReportTTL {
			delete(c.reports, nodeID)
			continue
		}
		if !found || clock.Less(rep.minClientHlc, min) {
			min = rep.minClientHlc
			found = true
		}
	}
	return min, found
}

// prune drops every tombstone at or before cutoff millis from every
// registered map and records the resulting digest (§4.3 steps 3-4).
func (c *Collector) prune(cutoffMillis int64) {
	c.mu.Lock()
	targets := make([]Prunable, 0, len(c.maps))
	for _, p := range c.maps {
		targets = append(targets, p)
	}
	c.mu.Unlock()

	for _, p := range targets {
		pruned := 0
		for _, info := range p.ScanTombstones() {
			if info.Millis <= cutoffMillis {
				p.Prune(info.ID)
				pruned++
			}
		}
		if pruned > 0 {
			c.logger.Info("gc: pruned tombstones",
				zap.String("map", p.Name()), zap.Int("count", pruned),
				zap.Uint32("digest", p.Digest()))
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.GCTombstonesPruned.Add(float64(pruned))
			}
		}
	}
}
