// Package store holds the single authoritative in-memory set of active
// alerts, enforcing identity, update, and eviction rules, and notifying
// subscribers of changes via a typed subscription seam.
package store

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
)

// UpsertResult is the outcome of a single upsert call.
type UpsertResult string

const (
	ResultAdded      UpsertResult = "added"
	ResultUpdated    UpsertResult = "updated"
	ResultSuperseded UpsertResult = "superseded"
	ResultIgnored    UpsertResult = "ignored"
)

// RemoveReason explains why an alert left the active set.
type RemoveReason string

const (
	ReasonExpired   RemoveReason = "expired"
	ReasonCancelled RemoveReason = "cancelled"
	ReasonManual    RemoveReason = "manual"
)

// RemoveResult is the outcome of a single remove call.
type RemoveResult string

const (
	ResultRemoved RemoveResult = "removed"
	ResultAbsent  RemoveResult = "absent"
)

// Event is what the Store hands to subscribers on every mutation, in the
// exact order mutations occur.
type Event struct {
	Kind   EventKind
	Alert  *alert.Alert // for remove events, the alert that was removed
	Reason RemoveReason // set only for remove events
}

// EventKind tags an Event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Subscription is a cancel handle for a registered callback, per spec.md
// §9's "callback registration → typed subscription" design note.
type Subscription struct {
	id   int64
	stop func()
}

// Cancel unregisters the callback. Safe to call more than once.
func (s Subscription) Cancel() {
	if s.stop != nil {
		s.stop()
	}
}

// Stats summarizes the active set for the /api/stats endpoint.
type Stats struct {
	Total        int
	ByPhenomenon map[string]int
	BySource     map[string]int
}

type heapEntry struct {
	productID string
	expireAt  time.Time
	index     int
}

type expirationHeap []*heapEntry

func (h expirationHeap) Len() int            { return len(h) }
func (h expirationHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h expirationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *expirationHeap) Push(x any) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Store is the single shared set of active alerts.
type Store struct {
	mu       sync.Mutex
	alerts   map[string]*alert.Alert
	index    map[alert.IndexKey]string
	heap     expirationHeap
	heapRefs map[string]*heapEntry

	grace   time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	subscribers   map[int64]func(Event)
	nextSubID     int64

	persistPath string

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a new Store.
type Option func(*Store)

// WithClock overrides the time source, for deterministic tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithPersistPath enables periodic snapshotting to disk.
func WithPersistPath(path string) Option {
	return func(s *Store) { s.persistPath = path }
}

// WithMetrics attaches Prometheus counters/gauges to the Store's writer
// path. Optional: a nil metrics is treated the same as not passing this
// option.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New constructs an empty Store. grace is the eviction grace period
// (spec.md §4.4, default 60s).
func New(grace time.Duration, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		alerts:      make(map[string]*alert.Alert),
		index:       make(map[alert.IndexKey]string),
		heapRefs:    make(map[string]*heapEntry),
		grace:       grace,
		clock:       clockwork.NewRealClock(),
		logger:      logger,
		subscribers: make(map[int64]func(Event)),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a callback invoked synchronously on the Store's
// writer path for every mutation, in emission order. Per spec.md §4.4,
// callbacks must not block on store operations — the Broadcast Hub and
// Alert Sink enqueue into their own bounded buffers rather than doing
// blocking I/O inside the callback.
func (s *Store) Subscribe(fn func(Event)) Subscription {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return Subscription{id: id, stop: func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}}
}

func (s *Store) emit(ev Event) {
	for _, fn := range s.subscribers {
		fn(ev)
	}
}

// recordUpsert must be called with s.mu held; it reflects the outcome of
// an Upsert call and the resulting store size into the metrics.
func (s *Store) recordUpsert(result UpsertResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreUpserts.WithLabelValues(string(result)).Inc()
	s.metrics.StoreSize.Set(float64(len(s.alerts)))
}

// recordRemoval must be called with s.mu held.
func (s *Store) recordRemoval(reason RemoveReason) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreRemovals.WithLabelValues(string(reason)).Inc()
	s.metrics.StoreSize.Set(float64(len(s.alerts)))
}

// Upsert applies the five-step algorithm from spec.md §4.4.
func (s *Store) Upsert(a *alert.Alert) (result UpsertResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.recordUpsert(result) }()

	if a.VTEC == nil {
		return s.upsertNoVTEC(a)
	}

	key, _ := a.Key()

	switch {
	case a.VTEC.Action.IsCancellation():
		if existingID, ok := s.index[key]; ok {
			s.removeLocked(existingID, ReasonCancelled)
		}
		return ResultSuperseded

	case a.VTEC.Action.IsExpiration():
		if existingID, ok := s.index[key]; ok {
			s.removeLocked(existingID, ReasonExpired)
			return ResultSuperseded
		}
		return ResultIgnored

	case a.VTEC.Action == alert.ActionNew:
		if _, exists := s.alerts[a.ProductID]; exists {
			return ResultIgnored
		}
		s.insertLocked(a)
		s.emit(Event{Kind: EventAdded, Alert: a})
		return ResultAdded

	case a.VTEC.Action.IsUpdate():
		existingID, ok := s.index[key]
		if !ok {
			s.insertLocked(a)
			s.emit(Event{Kind: EventAdded, Alert: a})
			return ResultAdded
		}
		existing := s.alerts[existingID]
		issuedAt := existing.IssuedTime
		if existingID != a.ProductID {
			s.removeIndexOnly(existing)
			delete(s.alerts, existingID)
		} else {
			// insertLocked below re-pushes a heap entry for this product id
			// with the new expiration; drop the stale one first so the old
			// expireAt never lingers in the heap.
			s.removeHeapEntry(existingID)
		}
		a.IssuedTime = issuedAt
		a.UpdateCount = existing.UpdateCount + 1
		a.Status = alert.StatusUpdated
		s.insertLocked(a)
		s.emit(Event{Kind: EventUpdated, Alert: a})
		return ResultUpdated

	default:
		return ResultIgnored
	}
}

func (s *Store) upsertNoVTEC(a *alert.Alert) UpsertResult {
	existing, ok := s.alerts[a.ProductID]
	if ok && existing.LastUpdated.Equal(a.LastUpdated) {
		return ResultIgnored
	}
	if ok {
		s.removeHeapEntry(a.ProductID)
		a.UpdateCount = existing.UpdateCount + 1
		s.insertLocked(a)
		s.emit(Event{Kind: EventUpdated, Alert: a})
		return ResultUpdated
	}
	s.insertLocked(a)
	s.emit(Event{Kind: EventAdded, Alert: a})
	return ResultAdded
}

func (s *Store) insertLocked(a *alert.Alert) {
	s.alerts[a.ProductID] = a
	if key, ok := a.Key(); ok {
		s.index[key] = a.ProductID
	}
	if !a.ExpirationTime.IsZero() {
		entry := &heapEntry{productID: a.ProductID, expireAt: a.ExpirationTime}
		heap.Push(&s.heap, entry)
		s.heapRefs[a.ProductID] = entry
	}
}

func (s *Store) removeIndexOnly(a *alert.Alert) {
	if key, ok := a.Key(); ok {
		delete(s.index, key)
	}
	s.removeHeapEntry(a.ProductID)
}

func (s *Store) removeHeapEntry(productID string) {
	entry, ok := s.heapRefs[productID]
	if !ok {
		return
	}
	heap.Remove(&s.heap, entry.index)
	delete(s.heapRefs, productID)
}

func (s *Store) removeLocked(productID string, reason RemoveReason) {
	a, ok := s.alerts[productID]
	if !ok {
		return
	}
	if key, ok := a.Key(); ok {
		delete(s.index, key)
	}
	delete(s.alerts, productID)
	s.removeHeapEntry(productID)
	s.recordRemoval(reason)
	s.emit(Event{Kind: EventRemoved, Reason: reason, Alert: a})
}

// Remove manually removes an alert, per spec.md §4.4's `remove` operation.
func (s *Store) Remove(productID string, reason RemoveReason) RemoveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[productID]; !ok {
		return ResultAbsent
	}
	s.removeLocked(productID, reason)
	return ResultRemoved
}

// Get is a non-blocking read of a single alert by product id.
func (s *Store) Get(productID string) (*alert.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[productID]
	return a, ok
}

// Snapshot returns an immutable, point-in-time-consistent copy of the
// active set.
func (s *Store) Snapshot() []*alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*alert.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// SnapshotAndSubscribe atomically takes a snapshot and registers a
// subscription under the same lock, per spec.md §5's ordering guarantee
// that bulk and the post-snapshot stream partition history exactly.
func (s *Store) SnapshotAndSubscribe(fn func(Event)) ([]*alert.Alert, Subscription) {
	s.mu.Lock()
	out := make([]*alert.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		copied := *a
		out = append(out, &copied)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return out, Subscription{id: id, stop: func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}}
}

// Stats returns counts by phenomenon, by source, and the total.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ByPhenomenon: make(map[string]int), BySource: make(map[string]int)}
	for _, a := range s.alerts {
		st.Total++
		st.ByPhenomenon[a.Phenomenon]++
		st.BySource[a.Source]++
	}
	return st
}

// ReconcilePull applies the Pull Source's set-difference reconciliation
// from spec.md §4.3: product ids present in current but absent from the
// store are arrivals (handled by the caller via Upsert before this call);
// product ids in the store tagged source=="pull" but absent from current
// AND already past expiration are departures, removed here with reason
// expired. Alerts not yet expired are left alone even if the pull feed no
// longer reports them, matching the "pull prevails after one full cycle"
// contract without evicting alerts still legitimately active.
func (s *Store) ReconcilePull(currentProductIDs map[string]struct{}) {
	s.mu.Lock()
	now := s.clock.Now()
	var toRemove []string
	for id, a := range s.alerts {
		if a.Source != "pull" {
			continue
		}
		if _, present := currentProductIDs[id]; present {
			continue
		}
		if !a.ExpirationTime.IsZero() && now.Before(a.ExpirationTime) {
			continue
		}
		toRemove = append(toRemove, id)
	}
	s.mu.Unlock()

	for _, id := range toRemove {
		s.Remove(id, ReasonExpired)
	}
}

// Run starts the eviction loop and, if configured, the periodic
// persistence loop. It blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	defer close(s.doneCh)

	var persistTicker <-chan time.Time
	if s.persistPath != "" {
		ticker := s.clock.NewTicker(30 * time.Second)
		defer ticker.Stop()
		persistTicker = ticker.Chan()
	}

	for {
		wait := s.nextEvictionWait()
		timer := s.clock.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			s.evictDue()
		case <-persistTicker:
			timer.Stop()
			if err := s.Persist(); err != nil {
				s.logger.Warn("persist snapshot failed", "error", err)
			}
		}
	}
}

// nextEvictionWait returns how long until the next eviction is due, per
// spec.md §8 property 11: no earlier than expiration+grace, no later
// than expiration+grace+1s.
func (s *Store) nextEvictionWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Second
	}
	due := s.heap[0].expireAt.Add(s.grace)
	wait := due.Sub(s.clock.Now())
	if wait <= 0 {
		return time.Millisecond
	}
	if wait > time.Second {
		return time.Second
	}
	return wait
}

func (s *Store) evictDue() {
	now := s.clock.Now()
	s.mu.Lock()
	var toRemove []string
	for s.heap.Len() > 0 {
		top := s.heap[0]
		due := top.expireAt.Add(s.grace)
		if now.Before(due) {
			break
		}
		if s.metrics != nil {
			s.metrics.StoreEvictionDelay.Observe(now.Sub(due).Seconds())
		}
		toRemove = append(toRemove, top.productID)
		heap.Pop(&s.heap)
		delete(s.heapRefs, top.productID)
	}
	s.mu.Unlock()

	for _, id := range toRemove {
		s.Remove(id, ReasonExpired)
	}
}

type snapshotFile struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Alerts      []*alert.Alert `json:"alerts"`
}

// Persist writes the current active set to PersistPath, grounded on
// alert_manager.py's save_to_file envelope shape.
func (s *Store) Persist() error {
	if s.persistPath == "" {
		return nil
	}
	snap := snapshotFile{GeneratedAt: s.clock.Now(), Alerts: s.Snapshot()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	tmp := s.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.persistPath); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}
	return nil
}

// LoadPersisted reads a snapshot written by Persist and inserts every
// non-expired record, per spec.md §4.4/§6: entries whose expiration has
// already passed are discarded before the stream resumes.
func (s *Store) LoadPersisted() (int, error) {
	if s.persistPath == "" {
		return 0, nil
	}
	data, err := os.ReadFile(s.persistPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("store: parse snapshot: %w", err)
	}

	now := s.clock.Now()
	loaded := 0
	s.mu.Lock()
	for _, a := range snap.Alerts {
		if !a.ExpirationTime.IsZero() && !now.Before(a.ExpirationTime) {
			continue
		}
		s.insertLocked(a)
		loaded++
	}
	s.mu.Unlock()
	return loaded, nil
}
