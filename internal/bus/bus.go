// Package bus provides the in-process event stream that ties the engine
// together. Publishing is synchronous: every subscriber runs before
// Publish returns, and a panicking subscriber never takes the publisher
// or its neighbors down.
package bus

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nexusdev/nexus/pkg/models"
)

// Kind identifies one event family.
type Kind string

const (
	// TaskQueued fires when a task enters the pool queue.
	TaskQueued Kind = "task_queued"
	// TaskStarted fires when an agent picks a task up.
	TaskStarted Kind = "task_started"
	// TaskCompleted fires when a task merges successfully.
	TaskCompleted Kind = "task_completed"
	// TaskFailed fires when a task reaches a terminal failure.
	TaskFailed Kind = "task_failed"
	// StageStarted fires when a QA stage begins.
	StageStarted Kind = "stage_started"
	// StageCompleted fires when a QA stage finishes.
	StageCompleted Kind = "stage_completed"
	// ReplanRequested fires when a replan evaluation is demanded.
	ReplanRequested Kind = "replan_requested"
	// ReplanDecision fires when the replanner reaches a verdict.
	ReplanDecision Kind = "replan_decision"
	// ReviewRequested fires when a task escalates to a human.
	ReviewRequested Kind = "review_requested"
	// ReviewResolved fires when a human decides a review.
	ReviewResolved Kind = "review_resolved"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case TaskQueued, TaskStarted, TaskCompleted, TaskFailed,
		StageStarted, StageCompleted, ReplanRequested, ReplanDecision,
		ReviewRequested, ReviewResolved:
		return true
	default:
		return false
	}
}

// Event is one occurrence on the bus.
type Event struct {
	// Kind identifies the event family.
	Kind Kind
	// TaskID is the task the event concerns, when there is one.
	TaskID string
	// Time is when the event was published.
	Time time.Time
	// Payload carries the family's typed payload.
	Payload any
}

// TaskPayload accompanies the task lifecycle kinds.
type TaskPayload struct {
	Task *models.Task
	// Reason explains failures and blocks, empty otherwise.
	Reason string
}

// StagePayload accompanies StageStarted and StageCompleted.
type StagePayload struct {
	Stage     models.StageKind
	Iteration int
	// Result is nil on StageStarted.
	Result *models.StageResult
}

// ReplanPayload accompanies ReplanRequested and ReplanDecision.
type ReplanPayload struct {
	// Trigger is set on ReplanRequested.
	Trigger models.ReplanTrigger
	// Decision is set on ReplanDecision.
	Decision *models.ReplanDecision
}

// ReviewPayload accompanies ReviewRequested and ReviewResolved.
type ReviewPayload struct {
	Request *models.ReviewRequest
}

// Handler consumes one event. Handlers run on the publisher's goroutine
// and should return quickly.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Cancel detaches the
// handler; cancelling twice is harmless.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   int
	all  bool
}

// Cancel removes the subscription from the bus.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind]map[int]Handler
	all    map[int]Handler
	logf   func(format string, args ...interface{})
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[Kind]map[int]Handler),
		all:  make(map[int]Handler),
		logf: log.Printf,
	}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	b.subs[kind][id] = fn
	return &Subscription{bus: b, kind: kind, id: id}
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = fn
	return &Subscription{bus: b, id: id, all: true}
}

// Publish delivers the event to every matching subscriber, in
// subscription order, before returning. A zero Time is stamped with now.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	for _, h := range b.snapshot(e.Kind) {
		b.deliver(h, e)
	}
}

// snapshot collects the handlers for a kind plus the catch-all set,
// ordered by subscription id so delivery order is stable.
func (b *Bus) snapshot(kind Kind) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]int, 0, len(b.subs[kind])+len(b.all))
	byID := make(map[int]Handler, len(b.subs[kind])+len(b.all))
	for id, h := range b.subs[kind] {
		ids = append(ids, id)
		byID[id] = h
	}
	for id, h := range b.all {
		ids = append(ids, id)
		byID[id] = h
	}
	sort.Ints(ids)

	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

// deliver runs one handler with a panic guard so a bad subscriber
// cannot take the publisher down.
func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("[bus] subscriber panic on %s: %v", e.Kind, r)
		}
	}()
	h(e)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.all {
		delete(b.all, s.id)
		return
	}
	if m := b.subs[s.kind]; m != nil {
		delete(m, s.id)
	}
}

