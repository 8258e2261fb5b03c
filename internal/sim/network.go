package sim

import "sort"

// VirtualMessage is one in-flight message on a VirtualNetwork.
type VirtualMessage struct {
	From, To      string
	Payload       interface{}
	ScheduledTime int64
}

type pendingMessage struct {
	msg     VirtualMessage
	seq     int64 // tie-breaks FIFO delivery order among equal scheduledTime
}

// VirtualNetwork is a deterministic stand-in for real peer-to-peer
// transport (§4.6): Send schedules delivery latency/loss/partitions
// entirely through the supplied SeededRNG and VirtualClock, and Tick
// delivers everything whose scheduled time has arrived. Nothing here
// touches a real socket or the system clock.
type VirtualNetwork struct {
	clock *VirtualClock
	rng   *SeededRNG

	packetLossRate float64
	latencyMinMs   int64
	latencyMaxMs   int64

	partitioned map[string]map[string]bool // From -> To -> cut

	pending []pendingMessage
	seq     int64

	deliver func(VirtualMessage)
}

// NetworkConfig tunes a VirtualNetwork's loss and latency behavior.
type NetworkConfig struct {
	PacketLossRate float64 // consulted before every Send, via the RNG
	LatencyMinMs   int64
	LatencyMaxMs   int64
}

// NewVirtualNetwork creates a network driven by clock and rng. deliver is
// invoked for every message whose scheduled delivery time a Tick reaches;
// it is expected to feed the payload into the receiving node's handling
// path the same way a real transport's read loop would.
func NewVirtualNetwork(clock *VirtualClock, rng *SeededRNG, cfg NetworkConfig, deliver func(VirtualMessage)) *VirtualNetwork {
	return &VirtualNetwork{
		clock:          clock,
		rng:            rng,
		packetLossRate: cfg.PacketLossRate,
		latencyMinMs:   cfg.LatencyMinMs,
		latencyMaxMs:   cfg.LatencyMaxMs,
		partitioned:    make(map[string]map[string]bool),
		deliver:        deliver,
	}
}

// Partition cuts delivery from `from` to `to` until Heal reverses it. A
// partition is directional: Partition(a, b) alone does not also block
// b -> a.
func (n *VirtualNetwork) Partition(from, to string) {
	if n.partitioned[from] == nil {
		n.partitioned[from] = make(map[string]bool)
	}
	n.partitioned[from][to] = true
}

// Heal reverses a prior Partition(from, to).
func (n *VirtualNetwork) Heal(from, to string) {
	if bucket, ok := n.partitioned[from]; ok {
		delete(bucket, to)
	}
}

// Send enqueues payload for delivery from `from` to `to`. It first
// consults packetLossRate via the RNG; a dropped packet never enqueues and
// is never delivered, even after a later Heal. If not dropped, delivery is
// blocked while a partition from->to is active (re-queued, so it resolves
// once Heal is called and another Tick runs its scheduled time); otherwise
// it's scheduled at clock.Now() + a latency drawn uniformly from
// [latencyMinMs, latencyMaxMs].
func (n *VirtualNetwork) Send(from, to string, payload interface{}) {
	if n.rng.RandomBool(n.packetLossRate) {
		return
	}
	latency := n.latencyMinMs
	if n.latencyMaxMs > n.latencyMinMs {
		latency = int64(n.rng.RandomInt(int(n.latencyMinMs), int(n.latencyMaxMs)))
	}
	n.seq++
	n.pending = append(n.pending, pendingMessage{
		msg: VirtualMessage{From: from, To: to, Payload: payload, ScheduledTime: n.clock.Now() + latency},
		seq: n.seq,
	})
}

// Tick delivers every pending message whose scheduled time is at or before
// clock.Now(), in (scheduledTime, enqueue-order) order, skipping (and
// re-queueing) any currently blocked by an active partition.
func (n *VirtualNetwork) Tick() {
	now := n.clock.Now()
	sort.SliceStable(n.pending, func(i, j int) bool {
		if n.pending[i].msg.ScheduledTime != n.pending[j].msg.ScheduledTime {
			return n.pending[i].msg.ScheduledTime < n.pending[j].msg.ScheduledTime
		}
		return n.pending[i].seq < n.pending[j].seq
	})

	var remaining []pendingMessage
	for _, pm := range n.pending {
		if pm.msg.ScheduledTime > now {
			remaining = append(remaining, pm)
			continue
		}
		if n.isPartitioned(pm.msg.From, pm.msg.To) {
			remaining = append(remaining, pm)
			continue
		}
		n.deliver(pm.msg)
	}
	n.pending = remaining
}

func (n *VirtualNetwork) isPartitioned(from, to string) bool {
	bucket, ok := n.partitioned[from]
	return ok && bucket[to]
}

// PendingCount reports how many messages are still in flight, useful for
// scenario assertions that want to drain the network fully.
func (n *VirtualNetwork) PendingCount() int { return len(n.pending) }
