package coordinator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/latticedb/engine/internal/types"
)

// SubscriptionKind distinguishes the four client-facing subscription
// surfaces (§6.2); they share one handle implementation and differ only in
// how their initial snapshot is computed and whether pagination applies.
type SubscriptionKind string

const (
	KindQuery      SubscriptionKind = "query"
	KindLiveQuery  SubscriptionKind = "live-query"
	KindSearch     SubscriptionKind = "search"
	KindTopic      SubscriptionKind = "topic"
)

// ChangeEvent is delivered to a subscription's onChanges callback whenever a
// key it's watching changes, locally or via a remote merge.
type ChangeEvent struct {
	MapName string
	Key     string
	Value   interface{}
	OpType  types.RecordOpType
}

// PageEvent is delivered to onPaginationChange whenever the live set of keys
// matching a query subscription's filter changes membership.
type PageEvent struct {
	Keys []string
}

// Filter decides whether a key/value pair belongs in a query's result set.
type Filter func(key string, value interface{}) bool

// Ranker scores search candidates against free text. internal/rankfusion
// supplies the real lexical+semantic implementation; Coordinator falls back
// to substring matching with no ranking when none is configured.
type Ranker interface {
	Rank(candidates map[string]interface{}, text string) []string
}

// Subscription is the opaque handle returned by query/live-query/search/
// topic (§6.2): subscribe/onChanges/onPaginationChange/dispose.
type Subscription struct {
	id      string
	kind    SubscriptionKind
	mapName string
	filter  Filter
	coord   *Coordinator

	mu       sync.Mutex
	changeCB func(ChangeEvent)
	pageCB   func(PageEvent)
	lastPage []string
	disposed bool
}

// Keys returns the most recently delivered page of matching keys, letting a
// caller read the initial snapshot synchronously instead of racing to
// register OnPaginationChange before Query/Search/LiveQuery returns.
func (s *Subscription) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPage
}

// Subscribe registers cb as the catch-all handler for this subscription;
// for query/live-query/search it is equivalent to OnChanges, for topic it is
// the publish/subscribe consumer callback.
func (s *Subscription) Subscribe(cb func(ChangeEvent)) { s.OnChanges(cb) }

// OnChanges registers cb to be called for every change matching this
// subscription's map and filter.
func (s *Subscription) OnChanges(cb func(ChangeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeCB = cb
}

// OnPaginationChange registers cb to be called whenever the set of keys
// matching this subscription's filter changes membership (a key enters or
// leaves the live result set).
func (s *Subscription) OnPaginationChange(cb func(PageEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCB = cb
}

// Dispose ends the subscription; no further callbacks fire after it
// returns.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	s.coord.removeSubscription(s)
}

func (s *Subscription) deliverChange(ev ChangeEvent) {
	s.mu.Lock()
	cb, disposed := s.changeCB, s.disposed
	s.mu.Unlock()
	if !disposed && cb != nil {
		cb(ev)
	}
}

func (s *Subscription) deliverPage(keys []string) {
	s.mu.Lock()
	cb, disposed := s.pageCB, s.disposed
	s.lastPage = keys
	s.mu.Unlock()
	if !disposed && cb != nil {
		cb(PageEvent{Keys: keys})
	}
}

func (c *Coordinator) newSubscription(kind SubscriptionKind, mapName string, filter Filter) *Subscription {
	s := &Subscription{id: uuid.NewString(), kind: kind, mapName: mapName, filter: filter, coord: c}
	c.subMu.Lock()
	c.subs[s.id] = s
	c.subMu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveSubscriptions.Inc()
	}
	return s
}

func (c *Coordinator) removeSubscription(s *Subscription) {
	c.subMu.Lock()
	if _, ok := c.subs[s.id]; ok {
		delete(c.subs, s.id)
		if c.metrics != nil {
			c.metrics.ActiveSubscriptions.Dec()
		}
	}
	if s.kind == KindTopic {
		if bucket, ok := c.topics[s.mapName]; ok {
			delete(bucket, s.id)
		}
	}
	c.subMu.Unlock()
}

// Query returns a subscription over mapName's live keys matching filter
// (nil matches everything). The initial page is computed synchronously
// before returning and is readable through Keys(); it is not passed to an
// OnPaginationChange callback, since none can be registered yet.
func (c *Coordinator) Query(mapName string, filter Filter) (*Subscription, error) {
	return c.queryLike(KindQuery, mapName, filter)
}

// LiveQuery behaves exactly like Query; the distinct kind exists so callers
// and introspection can tell "I expect ongoing updates" apart from a
// one-shot Query that happens to also receive them.
func (c *Coordinator) LiveQuery(mapName string, filter Filter) (*Subscription, error) {
	return c.queryLike(KindLiveQuery, mapName, filter)
}

func (c *Coordinator) queryLike(kind SubscriptionKind, mapName string, filter Filter) (*Subscription, error) {
	if _, err := c.entry(mapName); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = func(string, interface{}) bool { return true }
	}
	s := c.newSubscription(kind, mapName, filter)
	s.deliverPage(c.snapshotKeys(mapName, filter))
	return s, nil
}

// Search returns a ranked subscription over mapName matching text. With no
// Ranker configured it falls back to a case-insensitive substring match
// over each value's string representation, unranked.
func (c *Coordinator) Search(mapName, text string, ranker Ranker) (*Subscription, error) {
	if _, err := c.entry(mapName); err != nil {
		return nil, err
	}
	filter := func(key string, value interface{}) bool {
		if ranker != nil {
			return true // ranking/ordering handled by the initial snapshot below
		}
		return strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(text))
	}
	s := c.newSubscription(KindSearch, mapName, filter)

	if ranker != nil {
		candidates := c.snapshotValues(mapName)
		s.deliverPage(ranker.Rank(candidates, text))
	} else {
		s.deliverPage(c.snapshotKeys(mapName, filter))
	}
	return s, nil
}

// Topic returns a publish/subscribe handle independent of any CRDT map.
// Publish fans a ChangeEvent{MapName: name} out to every live subscriber of
// the same topic name.
func (c *Coordinator) Topic(name string) *Subscription {
	s := &Subscription{id: uuid.NewString(), kind: KindTopic, mapName: name, coord: c}
	c.subMu.Lock()
	c.subs[s.id] = s
	if c.topics[name] == nil {
		c.topics[name] = make(map[string]*Subscription)
	}
	c.topics[name][s.id] = s
	c.subMu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveSubscriptions.Inc()
	}
	return s
}

// Publish delivers payload to every live subscriber of topic name.
func (c *Coordinator) Publish(name string, payload interface{}) {
	c.subMu.Lock()
	bucket := c.topics[name]
	targets := make([]*Subscription, 0, len(bucket))
	for _, s := range bucket {
		targets = append(targets, s)
	}
	c.subMu.Unlock()

	ev := ChangeEvent{MapName: name, Value: payload}
	for _, s := range targets {
		s.deliverChange(ev)
	}
}

func (c *Coordinator) snapshotKeys(mapName string, filter Filter) []string {
	e, err := c.entry(mapName)
	if err != nil {
		return nil
	}
	var keys []string
	switch e.kind {
	case types.MapKindLWW:
		for _, k := range e.lww.AllKeys() {
			if v, ok := e.lww.Get(k); ok && filter(k, v) {
				keys = append(keys, k)
			}
		}
	case types.MapKindOR:
		for _, k := range e.or.AllKeys() {
			recs := e.or.Get(k)
			if len(recs) > 0 && filter(k, recs) {
				keys = append(keys, k)
			}
		}
	case types.MapKindPN:
		for _, name := range e.pn.Names() {
			if filter(name, e.pn.Get(name)) {
				keys = append(keys, name)
			}
		}
	}
	return keys
}

func (c *Coordinator) snapshotValues(mapName string) map[string]interface{} {
	e, err := c.entry(mapName)
	if err != nil {
		return nil
	}
	out := make(map[string]interface{})
	switch e.kind {
	case types.MapKindLWW:
		for _, k := range e.lww.AllKeys() {
			if v, ok := e.lww.Get(k); ok {
				out[k] = v
			}
		}
	case types.MapKindOR:
		for _, k := range e.or.AllKeys() {
			out[k] = e.or.Get(k)
		}
	case types.MapKindPN:
		for _, name := range e.pn.Names() {
			out[name] = e.pn.Get(name)
		}
	}
	return out
}

// fanOutChange delivers a ChangeEvent to every live subscription watching
// mapName whose filter matches key, and republishes a fresh PageEvent for
// query/live-query subscriptions so onPaginationChange reflects membership
// changes.
func (c *Coordinator) fanOutChange(mapName, key string, event types.ClusterEvent) {
	c.subMu.Lock()
	var targets []*Subscription
	for _, s := range c.subs {
		if s.kind == KindTopic || s.mapName != mapName {
			continue
		}
		targets = append(targets, s)
	}
	c.subMu.Unlock()

	ev := ChangeEvent{MapName: mapName, Key: key, Value: event.Record.Value, OpType: event.OpType}
	for _, s := range targets {
		if s.filter != nil && !s.filter(key, event.Record.Value) {
			continue
		}
		s.deliverChange(ev)
		if s.kind == KindQuery || s.kind == KindLiveQuery {
			s.deliverPage(c.snapshotKeys(mapName, s.filter))
		}
	}
}
