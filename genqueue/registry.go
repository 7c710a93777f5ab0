package genqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunToken identifies one worker run for an owner. Its ID is the lease holder
// written to claimed items.
type RunToken struct {
	Owner     string
	ID        string
	StartedAt time.Time
}

// Registry tracks which owners have a worker run in this process.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*RunToken
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunToken)}
}

// Acquire registers a new run for owner. It returns false if one is already registered.
func (r *Registry) Acquire(owner string) (*RunToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[owner]; ok {
		return nil, false
	}
	t := &RunToken{Owner: owner, ID: uuid.NewString(), StartedAt: time.Now()}
	r.runs[owner] = t
	return t, true
}

// Release unregisters t. Releasing a stale token is a no-op.
func (r *Registry) Release(t *RunToken) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[t.Owner]; ok && cur == t {
		delete(r.runs, t.Owner)
	}
}

// Running reports whether owner has a registered run.
func (r *Registry) Running(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[owner]
	return ok
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
