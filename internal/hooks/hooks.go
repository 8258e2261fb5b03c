// Package hooks implements the two sandboxed hook kinds (§4.5): entry
// processors (atomic read-modify-write on one key) and conflict resolvers
// (consulted on each incoming merge). Both kinds are registered as native
// Go closures rather than interpreted scripts — there is no bytecode
// interpreter in this corpus to ground a text-based sandbox on, so the
// capability limit is enforced by API shape instead of syntax scanning: a
// ProcessorFunc/ResolverFunc only ever receives the frozen context values
// below, never a logger, network handle, or wall-clock accessor, so it has
// no ambient capability to violate even though it runs as plain Go code.
package hooks

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticedb/engine/internal/auth"
	"github.com/latticedb/engine/internal/clock"
	"github.com/latticedb/engine/internal/errs"
	"github.com/latticedb/engine/internal/monitoring"
)

// MaxResolversPerMap bounds how many conflict resolvers one map may
// register, beyond the built-in LWW fallback.
const MaxResolversPerMap = 100

// DefaultResolverPriority is the priority newly registered resolvers get
// when they don't specify one.
const DefaultResolverPriority = 50

// ProcessorContext is the frozen view an entry processor sees: the
// current value and a caller-supplied argument, plus now instead of
// ambient clock access.
type ProcessorContext struct {
	Key          string
	CurrentValue interface{}
	Args         interface{}
	Now          time.Time
}

// ProcessorFunc performs an atomic read-modify-write, returning the new
// value to persist and a result to surface to the caller.
type ProcessorFunc func(ctx ProcessorContext) (newValue interface{}, result interface{}, err error)

// EntryProcessor is one registered processor.
type EntryProcessor struct {
	Name         string
	Fn           ProcessorFunc
	Retries      int
	RetryDelayMs int
}

// VerdictKind is a conflict resolver's decision on an incoming merge.
type VerdictKind int

const (
	VerdictAccept VerdictKind = iota
	VerdictReject
	VerdictMerge
	VerdictLocal
)

// Verdict is what a conflict resolver returns.
type Verdict struct {
	Kind   VerdictKind
	Value  interface{}
	Reason string
}

// ResolverContext is the frozen view a conflict resolver sees for one
// incoming merge decision (§4.5.2).
type ResolverContext struct {
	MapName      string
	Key          string
	LocalValue   interface{}
	RemoteValue  interface{}
	LocalTs      clock.Timestamp
	RemoteTs     clock.Timestamp
	RemoteNodeID string
	Auth         *auth.Claims
	Now          time.Time
}

// ResolverFunc decides the fate of one incoming merge.
type ResolverFunc func(ctx ResolverContext) Verdict

// ConflictResolver is one registered resolver.
type ConflictResolver struct {
	Name            string
	Priority        int
	KeyPattern      string // glob, empty matches all keys
	Fn              ResolverFunc
	ResolverTimeout time.Duration

	registeredAt int // insertion order, for first-registered-wins tie-break
}

func (r *ConflictResolver) matches(key string) bool {
	if r.KeyPattern == "" {
		return true
	}
	ok, err := path.Match(r.KeyPattern, key)
	return err == nil && ok
}

// Registry holds per-map entry processors and conflict resolvers, plus the
// per-key locks entry processors execute under.
type Registry struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu         sync.RWMutex
	processors map[string]map[string]*EntryProcessor  // mapName -> name -> processor
	resolvers  map[string][]*ConflictResolver         // mapName -> resolvers, unsorted
	keyLocks   map[string]map[string]*sync.Mutex      // mapName -> key -> lock
	seq        int
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger,
		metrics:    metrics,
		processors: make(map[string]map[string]*EntryProcessor),
		resolvers:  make(map[string][]*ConflictResolver),
		keyLocks:   make(map[string]map[string]*sync.Mutex),
	}
}

// RegisterProcessor adds an entry processor for mapName. Re-registering the
// same name replaces the existing processor.
func (r *Registry) RegisterProcessor(mapName string, p *EntryProcessor) error {
	if p.Name == "" {
		return errs.ValidationError("entry processor must have a name")
	}
	if p.Fn == nil {
		return errs.ValidationError("entry processor %q has no function", p.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processors[mapName] == nil {
		r.processors[mapName] = make(map[string]*EntryProcessor)
	}
	r.processors[mapName][p.Name] = p
	return nil
}

// RegisterResolver adds a conflict resolver for mapName, enforcing
// MaxResolversPerMap.
func (r *Registry) RegisterResolver(mapName string, res *ConflictResolver) error {
	if res.Name == "" {
		return errs.ValidationError("conflict resolver must have a name")
	}
	if res.Fn == nil {
		return errs.ValidationError("conflict resolver %q has no function", res.Name)
	}
	if res.KeyPattern != "" {
		if _, err := path.Match(res.KeyPattern, "probe"); err != nil {
			return errs.ValidationError("conflict resolver %q has invalid keyPattern %q: %v", res.Name, res.KeyPattern, err)
		}
	}
	if res.Priority == 0 {
		res.Priority = DefaultResolverPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.resolvers[mapName]) >= MaxResolversPerMap {
		return errs.ValidationError("map %q already has %d resolvers, the maximum", mapName, MaxResolversPerMap)
	}
	r.seq++
	res.registeredAt = r.seq
	r.resolvers[mapName] = append(r.resolvers[mapName], res)
	return nil
}

// UnregisterResolver removes a previously registered resolver by name,
// typically called when the registering connection closes.
func (r *Registry) UnregisterResolver(mapName, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.resolvers[mapName]
	for i, res := range list {
		if res.Name == name {
			r.resolvers[mapName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (r *Registry) lockFor(mapName, key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyLocks[mapName] == nil {
		r.keyLocks[mapName] = make(map[string]*sync.Mutex)
	}
	l, ok := r.keyLocks[mapName][key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[mapName][key] = l
	}
	return l
}

// ExecuteOnKey runs the named entry processor against currentValue under
// the same per-key lock ordinary writes to that key use, so concurrent
// readers never observe an intermediate state. Transient failures are
// retried per the processor's Retries/RetryDelayMs with exponential
// backoff.
func (r *Registry) ExecuteOnKey(ctx context.Context, mapName, key string, currentValue func() interface{}, apply func(newValue interface{}) error, processorName string, args interface{}) (result interface{}, err error) {
	r.mu.RLock()
	p, ok := r.processors[mapName][processorName]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.ValidationError("no entry processor %q registered on map %q", processorName, mapName)
	}

	lock := r.lockFor(mapName, key)
	lock.Lock()
	defer lock.Unlock()

	delay := time.Duration(p.RetryDelayMs) * time.Millisecond
	attempts := p.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		newValue, res, runErr := r.runProcessor(p, ProcessorContext{
			Key:          key,
			CurrentValue: currentValue(),
			Args:         args,
			Now:          time.Now(),
		})
		if runErr == nil {
			if applyErr := apply(newValue); applyErr != nil {
				return nil, applyErr
			}
			return res, nil
		}
		err = runErr
		if attempt < attempts-1 && delay > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, err
}

func (r *Registry) runProcessor(p *EntryProcessor, pctx ProcessorContext) (newValue, result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.CrashError("entry processor %q panicked: %v", p.Name, rec)
			r.logger.Error("entry processor panicked", zap.String("processor", p.Name), zap.Any("panic", rec))
		}
	}()
	return p.Fn(pctx)
}

// lwwFallback is the built-in resolver appended as the lowest-priority
// fallback on every map: accept the remote value unconditionally, mirroring
// plain LWW semantics for maps with no registered resolver.
var lwwFallback = &ConflictResolver{
	Name:     "__builtin_lww",
	Priority: -1 << 30, // lower than any registerable priority
	Fn: func(ctx ResolverContext) Verdict {
		return Verdict{Kind: VerdictAccept, Value: ctx.RemoteValue}
	},
}

// sortedResolvers returns mapName's resolvers in descending priority order,
// breaking ties by registration order (first-registered wins), with the
// built-in LWW fallback always last.
func (r *Registry) sortedResolvers(mapName string) []*ConflictResolver {
	r.mu.RLock()
	list := make([]*ConflictResolver, len(r.resolvers[mapName]))
	copy(list, r.resolvers[mapName])
	r.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].registeredAt < list[j].registeredAt
	})
	return append(list, lwwFallback)
}

// Resolve consults every resolver registered on rctx.MapName (in
// descending priority, keyPattern-filtered) until one returns a verdict
// other than local. The built-in LWW fallback guarantees a verdict is
// always produced.
func (r *Registry) Resolve(rctx ResolverContext) Verdict {
	rctx.Now = time.Now()
	for _, res := range r.sortedResolvers(rctx.MapName) {
		if !res.matches(rctx.Key) {
			continue
		}
		verdict, timedOut := r.runResolver(res, rctx)
		if timedOut {
			if r.metrics != nil {
				r.metrics.ResolverTimeouts.Inc()
			}
			continue // treated as local: try the next resolver
		}
		if verdict.Kind == VerdictLocal {
			continue
		}
		if verdict.Kind == VerdictReject && r.metrics != nil {
			r.metrics.MergeRejections.Inc()
		}
		return verdict
	}
	return Verdict{Kind: VerdictLocal}
}

func (r *Registry) runResolver(res *ConflictResolver, rctx ResolverContext) (verdict Verdict, timedOut bool) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ResolverLatency.WithLabelValues(rctx.MapName).Observe(time.Since(start).Seconds())
		}
	}()

	resultCh := make(chan Verdict, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("conflict resolver panicked, treating as local", zap.String("resolver", res.Name), zap.Any("panic", rec))
				resultCh <- Verdict{Kind: VerdictLocal, Reason: fmt.Sprintf("panic: %v", rec)}
			}
		}()
		resultCh <- res.Fn(rctx)
	}()

	timeout := res.ResolverTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if res == lwwFallback {
		return <-resultCh, false
	}
	select {
	case v := <-resultCh:
		return v, false
	case <-time.After(timeout):
		return Verdict{Kind: VerdictLocal, Reason: "resolver timed out"}, true
	}
}
