// Package shmem implements the optional shared-memory fast channel (§4.4.2):
// a byte buffer partitioned into fixed-size slots, each with an atomically
// guarded status field, used to hand a payload to a worker without going
// through the task queue's usual copy-and-channel path.
package shmem

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticedb/engine/internal/errs"
)

// Status is a slot's position in the FREE→ALLOCATED→DATA_READY→PROCESSING→
// RESULT_READY→FREE state machine, plus an out-of-band ERROR state any
// party may publish.
type Status int32

const (
	StatusFree Status = iota
	StatusAllocated
	StatusDataReady
	StatusProcessing
	StatusResultReady
	StatusError
)

// metadataSize is the slot header: status (4 bytes) + length (4 bytes) +
// 8 bytes reserved, for a 16-byte block aligned to 8.
const metadataSize = 16

// Slot is one fixed-capacity region of the shared buffer. status and length
// are manipulated only through atomic.Int32/atomic loads so the main
// goroutine and worker goroutine never need a mutex to hand off data.
type Slot struct {
	status atomic.Int32
	length atomic.Int32
	data   []byte

	notify chan struct{}
}

func newSlot(capacity int) *Slot {
	return &Slot{
		data:   make([]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Status returns the slot's current state.
func (s *Slot) Status() Status {
	return Status(s.status.Load())
}

// Capacity returns the usable data region size, excluding the metadata
// block.
func (s *Slot) Capacity() int {
	return len(s.data)
}

func (s *Slot) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Write copies payload into the slot's data region and publishes
// DATA_READY. The slot must be ALLOCATED.
func (s *Slot) Write(payload []byte) error {
	if Status(s.status.Load()) != StatusAllocated {
		return errs.ValidationError("slot must be ALLOCATED before Write, got status %d", s.status.Load())
	}
	if len(payload) > len(s.data) {
		return errs.ValidationError("payload of %d bytes exceeds slot capacity %d", len(payload), len(s.data))
	}
	copy(s.data, payload)
	s.length.Store(int32(len(payload)))
	s.status.Store(int32(StatusDataReady))
	s.signal()
	return nil
}

// View returns a zero-copy view of the slot's current payload bytes; valid
// while the slot remains in DATA_READY or PROCESSING.
func (s *Slot) View() []byte {
	n := int(s.length.Load())
	if n > len(s.data) {
		n = len(s.data)
	}
	return s.data[:n]
}

// BeginProcessing transitions DATA_READY→PROCESSING. Returns false if the
// slot wasn't in DATA_READY (e.g. a concurrent consumer already claimed it).
func (s *Slot) BeginProcessing() bool {
	return s.status.CompareAndSwap(int32(StatusDataReady), int32(StatusProcessing))
}

// WriteResult overwrites the slot's data in place with result and publishes
// RESULT_READY. The slot must be PROCESSING.
func (s *Slot) WriteResult(result []byte) error {
	if Status(s.status.Load()) != StatusProcessing {
		return errs.ValidationError("slot must be PROCESSING before WriteResult, got status %d", s.status.Load())
	}
	if len(result) > len(s.data) {
		return errs.ValidationError("result of %d bytes exceeds slot capacity %d", len(result), len(s.data))
	}
	copy(s.data, result)
	s.length.Store(int32(len(result)))
	s.status.Store(int32(StatusResultReady))
	s.signal()
	return nil
}

// Fail publishes ERROR from any state, waking anyone waiting on the slot.
func (s *Slot) Fail() {
	s.status.Store(int32(StatusError))
	s.signal()
}

// WaitFor blocks until the slot reaches want or StatusError, or timeout
// elapses. It polls status changes delivered via the slot's notify channel,
// re-checking status on each wakeup since a stale signal may have already
// been consumed by the time the waiter looks.
func (s *Slot) WaitFor(want Status, timeout time.Duration) (Status, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		cur := Status(s.status.Load())
		if cur == want || cur == StatusError {
			return cur, nil
		}
		select {
		case <-s.notify:
			continue
		case <-deadline.C:
			return Status(s.status.Load()), errs.TimeoutError("slot did not reach status %d within %s", want, timeout)
		}
	}
}

// free resets the slot back to FREE. Idempotent: calling it on an
// already-FREE slot is a no-op.
func (s *Slot) free() {
	s.status.Store(int32(StatusFree))
	s.length.Store(0)
}

// Pool is a fixed set of equally sized slots, allocated and freed by index.
type Pool struct {
	mu    sync.Mutex
	slots []*Slot
	free  []int
}

// NewPool creates n slots of capacity bytes each.
func NewPool(n, capacity int) *Pool {
	p := &Pool{slots: make([]*Slot, n), free: make([]int, n)}
	for i := 0; i < n; i++ {
		p.slots[i] = newSlot(capacity)
		p.free[i] = i
	}
	return p
}

// Allocate reserves a FREE slot and transitions it to ALLOCATED. Returns
// (nil, -1, false) if no slot is free.
func (p *Pool) Allocate() (*Slot, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, -1, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	slot := p.slots[idx]
	slot.status.Store(int32(StatusAllocated))
	slot.length.Store(0)
	return slot, idx, true
}

// Release returns slot idx to the free list, resetting its status to FREE.
// Double-release is idempotent: releasing an already-free slot is a no-op
// beyond re-adding its index exactly once (guarded by checking current
// status before appending).
func (p *Pool) Release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	slot := p.slots[idx]
	if Status(slot.status.Load()) == StatusFree {
		return
	}
	slot.free()
	p.free = append(p.free, idx)
}

// Get returns the slot at idx for direct manipulation (Write/WaitFor/etc).
func (p *Pool) Get(idx int) *Slot {
	return p.slots[idx]
}
