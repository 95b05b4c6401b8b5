// Package registry tracks the per-session protocol state of every child
// execution context the supervisor knows about.
//
// The registry owns exactly one record per session. No operation blocks and
// every mutation is atomic per-record; the only cross-record linkage in the
// system (the supervisor's active-id fields) lives outside this package.
package registry

import (
	"sync"
	"time"
)

// Role is the closed set of session roles.
type Role int

const (
	// RoleUnset marks an auto-created record whose session was never
	// registered. Callers must not assume prior registration.
	RoleUnset Role = iota
	RoleMain
	RoleStrategist
	RoleWorker
	RoleSubtask
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleStrategist:
		return "strategist"
	case RoleWorker:
		return "worker"
	case RoleSubtask:
		return "subtask"
	default:
		return "unset"
	}
}

// Gated reports whether the role's destructive actions require a prior
// context load. Planning roles are deliberately ungated.
func (r Role) Gated() bool {
	return r == RoleWorker || r == RoleSubtask
}

// TaskStatus is the lifecycle state of a nested sub-task.
type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// ChildTask is one nested sub-task spawned by a session.
type ChildTask struct {
	ID         string
	Label      string
	Goal       string
	SpawnTime  time.Time
	Status     TaskStatus
	ResultText string
}

// Record is the mutable protocol state of one session.
type Record struct {
	ID             string
	Role           Role
	AttemptNumber  int
	ContextLoaded  bool
	DelegatedChild bool
	LastProgressAt time.Time
	ChildTasks     []ChildTask
}

// clone returns a copy safe to hand to callers. ChildTasks is copied so
// callers cannot mutate registry state through the slice.
func (r *Record) clone() Record {
	out := *r
	out.ChildTasks = make([]ChildTask, len(r.ChildTasks))
	copy(out.ChildTasks, r.ChildTasks)
	return out
}

// Registry is the process-wide session record store.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register creates or re-assigns the record for id. Role is immutable after
// assignment in practice: registration happens once, before the session's
// first prompt, so lookups are race-free the instant it reports activity.
func (g *Registry) Register(id string, role Role, attempt int) Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := &Record{
		ID:             id,
		Role:           role,
		AttemptNumber:  attempt,
		LastProgressAt: time.Now(),
	}
	g.records[id] = rec
	return rec.clone()
}

// Get returns the record for id, auto-creating an unassigned one if missing.
func (g *Registry) Get(id string) Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getLocked(id).clone()
}

func (g *Registry) getLocked(id string) *Record {
	rec, ok := g.records[id]
	if !ok {
		rec = &Record{ID: id, Role: RoleUnset, LastProgressAt: time.Now()}
		g.records[id] = rec
	}
	return rec
}

// Mutate applies fn to the record for id under the registry lock. fn must
// not block; single-record read-modify-write is the only atomicity offered.
func (g *Registry) Mutate(id string, fn func(*Record)) Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.getLocked(id)
	fn(rec)
	return rec.clone()
}

// Remove discards the record for id once the session ends.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, id)
}

// IDs returns the ids of all tracked sessions.
func (g *Registry) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.records))
	for id := range g.records {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked sessions.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
