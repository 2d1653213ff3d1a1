// Package registry implements the process-wide indexed store of
// ProcessRecords (C6): per-workspace listings, an id index, the
// terminating-set, foreground-tool-call bookkeeping, and a subscription
// channel for structured events.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/muxlabs/bpe/internal/bpe/process"
)

// EventType is the closed set of mutation kinds the Registry emits.
type EventType string

const (
	EventAdded          EventType = "added"
	EventStatusChanged  EventType = "statusChanged"
	EventOutputAppended EventType = "outputAppended"
	EventTerminating    EventType = "terminating"
	EventRemoved        EventType = "removed"
)

// Event is the tagged union of Registry mutations (§4.5, §6).
type Event struct {
	Type        EventType
	ID          string
	WorkspaceID string
	Snapshot    *process.Snapshot
}

// outputCoalesceWindow bounds outputAppended events to at most one per
// buffer roughly every 50ms, per §4.5.
const outputCoalesceWindow = 50 * time.Millisecond

// Subscription is a finite stream of events, ending on Unsubscribe.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Events returns the channel of events for this subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe stops delivery and closes the event channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	id          int64
	workspaceID string // empty means "all workspaces"
	ch          chan Event
}

// Registry is the engine's single source of truth for live ProcessRecords.
// It owns records exclusively; the Controller holds only ID-indexed weak
// references while its loops run (§3 Ownership).
type Registry struct {
	mu sync.Mutex

	byID        map[string]*process.Record
	byWorkspace map[string][]string // workspaceID -> ids in insertion order

	terminatingIDs map[string]bool

	foregroundToolCalls map[string]map[string]bool // workspaceID -> toolCallID set

	subscribers  map[int64]*subscriber
	nextSubID    int64
	lastOutputAt map[string]time.Time
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byID:                make(map[string]*process.Record),
		byWorkspace:         make(map[string][]string),
		terminatingIDs:      make(map[string]bool),
		foregroundToolCalls: make(map[string]map[string]bool),
		subscribers:         make(map[int64]*subscriber),
		lastOutputAt:        make(map[string]time.Time),
	}
}

// Add inserts a new record and emits an "added" event.
func (r *Registry) Add(rec *process.Record) {
	r.mu.Lock()
	r.byID[rec.ID] = rec
	r.byWorkspace[rec.WorkspaceID] = append(r.byWorkspace[rec.WorkspaceID], rec.ID)
	r.mu.Unlock()

	r.publish(Event{Type: EventAdded, ID: rec.ID, WorkspaceID: rec.WorkspaceID, Snapshot: snapshotPtr(rec)})
}

// Get returns the record for id, or (nil, false) if unknown.
func (r *Registry) Get(id string) (*process.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// ListByWorkspace returns records for wsid sorted by StartedAt ascending;
// records with equal StartedAt (including not-yet-running ones, at 0) keep
// insertion order.
func (r *Registry) ListByWorkspace(wsid string) []*process.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byWorkspace[wsid]
	out := make([]*process.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.byID[id]; ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Snapshot().StartedAt < out[j].Snapshot().StartedAt
	})
	return out
}

// NotifyStatusChanged emits a statusChanged event for id.
func (r *Registry) NotifyStatusChanged(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	r.publish(Event{Type: EventStatusChanged, ID: id, WorkspaceID: rec.WorkspaceID, Snapshot: snapshotPtr(rec)})
}

// NotifyOutputAppended emits an outputAppended event for id, coalesced to at
// most one per ~50ms per record.
func (r *Registry) NotifyOutputAppended(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}

	r.mu.Lock()
	now := time.Now()
	last, seen := r.lastOutputAt[id]
	if seen && now.Sub(last) < outputCoalesceWindow {
		r.mu.Unlock()
		return
	}
	r.lastOutputAt[id] = now
	r.mu.Unlock()

	r.publish(Event{Type: EventOutputAppended, ID: id, WorkspaceID: rec.WorkspaceID, Snapshot: snapshotPtr(rec)})
}

// MarkTerminating inserts id into the terminating set and emits a
// terminating event.
func (r *Registry) MarkTerminating(id string) {
	rec, ok := r.Get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	r.terminatingIDs[id] = true
	r.mu.Unlock()
	r.publish(Event{Type: EventTerminating, ID: id, WorkspaceID: rec.WorkspaceID, Snapshot: snapshotPtr(rec)})
}

// IsTerminating reports whether a terminate has been requested for id and
// not yet observed as exited.
func (r *Registry) IsTerminating(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminatingIDs[id]
}

// ClearTerminating removes id from the terminating set (called once the
// exit-probe loop finalizes the record).
func (r *Registry) ClearTerminating(id string) {
	r.mu.Lock()
	delete(r.terminatingIDs, id)
	r.mu.Unlock()
}

// TerminatingIDs returns the terminating set scoped to wsid.
func (r *Registry) TerminatingIDs(wsid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, id := range r.byWorkspace[wsid] {
		if r.terminatingIDs[id] {
			out = append(out, id)
		}
	}
	return out
}

// Remove deletes a record from all indices and emits a removed event. Only
// valid for terminal records; callers (the Controller's dispose operation)
// enforce that invariant.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	delete(r.terminatingIDs, id)
	delete(r.lastOutputAt, id)

	ids := r.byWorkspace[rec.WorkspaceID]
	for i, existing := range ids {
		if existing == id {
			r.byWorkspace[rec.WorkspaceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.publish(Event{Type: EventRemoved, ID: id, WorkspaceID: rec.WorkspaceID})
}

// AddForegroundToolCall records toolCallID as the (advisory) foreground bash
// for wsid.
func (r *Registry) AddForegroundToolCall(wsid, toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.foregroundToolCalls[wsid] == nil {
		r.foregroundToolCalls[wsid] = make(map[string]bool)
	}
	r.foregroundToolCalls[wsid][toolCallID] = true
}

// ForegroundToolCalls returns the set of tool-call ids currently marked
// foreground for wsid.
func (r *Registry) ForegroundToolCalls(wsid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.foregroundToolCalls[wsid]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RemoveForegroundToolCall demotes toolCallID for wsid (§4.6
// sendToBackground bookkeeping).
func (r *Registry) RemoveForegroundToolCall(wsid, toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.foregroundToolCalls[wsid]; ok {
		delete(set, toolCallID)
		if len(set) == 0 {
			delete(r.foregroundToolCalls, wsid)
		}
	}
}

// Subscribe registers an observer. If wsid is non-nil, only events for that
// workspace are delivered; otherwise all events are. Per §4.5, a new
// subscriber must see (a) a snapshot of every already-live matching record
// before (b) any subsequent mutation — a client that attaches after
// processes are already running, or reconnects mid-stream, must not have to
// wait for an unrelated future event to learn about work already in flight.
// Subscribe queues one "added"-shaped Event per currently-live record into
// the new subscription's channel, in the same critical section that
// registers the subscriber, so no Add/NotifyStatusChanged racing the
// registration can land between the snapshot and the subscriber going live.
// The subscription ends on Unsubscribe, which is the caller's responsibility.
func (r *Registry) Subscribe(wsid *string) *Subscription {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Event, 256)}
	if wsid != nil {
		sub.workspaceID = *wsid
	}
	r.subscribers[id] = sub

	var ids []string
	if sub.workspaceID != "" {
		ids = append(ids, r.byWorkspace[sub.workspaceID]...)
	} else {
		for _, wsIDs := range r.byWorkspace {
			ids = append(ids, wsIDs...)
		}
	}
	for _, pid := range ids {
		rec, ok := r.byID[pid]
		if !ok {
			continue
		}
		snapshotEvent := Event{Type: EventAdded, ID: pid, WorkspaceID: rec.WorkspaceID, Snapshot: snapshotPtr(rec)}
		select {
		case sub.ch <- snapshotEvent:
		default:
			// Buffer full during registration only if an implausible number
			// of processes are already live; drop rather than block startup.
		}
	}
	r.mu.Unlock()

	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
			close(sub.ch)
		},
	}
}

func (r *Registry) publish(ev Event) {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		if sub.workspaceID == "" || sub.workspaceID == ev.WorkspaceID {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; drop rather than block the mutation path.
		}
	}
}

func snapshotPtr(rec *process.Record) *process.Snapshot {
	s := rec.Snapshot()
	return &s
}
