package scheduler

import (
	"fmt"
	"slices"
	"sync"
)

// Registry owns the task records. All methods are safe for concurrent use.
//
// Iteration never happens on the live collection: the executor asks for a
// per-stage snapshot, which is served from an ordered cache that is rebuilt only
// after the collection changes.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	tasks   []*task
	ids     map[int64]*task
	version uint64
	cache   [numStages]stageCache
}

type stageCache struct {
	version uint64
	built   bool
	tasks   []*task
}

func NewRegistry() *Registry {
	return &Registry{ids: make(map[int64]*task)}
}

// Register validates opt, assigns the next id and inserts a pending task.
func (r *Registry) Register(work Work, opt Options) (*Handle, error) {
	t, err := r.register(work, opt, nil)
	if err != nil {
		return nil, err
	}
	return &Handle{t: t}, nil
}

// register is Register with a hook that can decorate the record before it
// becomes visible to snapshots.
func (r *Registry) register(work Work, opt Options, prepare func(*task)) (*task, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if err := opt.validate(); err != nil {
		return nil, err
	}
	t := newTask(work, opt)

	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID + 1
	if _, dup := r.ids[id]; dup {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	r.nextID = id
	t.id = id
	if prepare != nil {
		prepare(t)
	}
	r.tasks = append(r.tasks, t)
	r.ids[id] = t
	r.version++
	return t, nil
}

// Cancel is equivalent to h.Cancel. A nil h is ignored.
func (r *Registry) Cancel(h *Handle) { h.Cancel() }

// snapshotForStage returns the live tasks of stage ordered by (priority, id).
// The returned slice is owned by the caller.
func (r *Registry) snapshotForStage(stage Stage) []*task {
	if !stage.Valid() {
		return nil
	}
	r.mu.Lock()
	c := &r.cache[stage]
	if !c.built || c.version != r.version {
		c.tasks = r.buildStage(stage)
		c.version = r.version
		c.built = true
	}
	cached := c.tasks
	r.mu.Unlock()

	out := make([]*task, 0, len(cached))
	for _, t := range cached {
		if !t.cancelled.Load() {
			out = append(out, t)
		}
	}
	return out
}

// buildStage must be called with r.mu held. The result is never mutated after
// it is cached.
func (r *Registry) buildStage(stage Stage) []*task {
	var out []*task
	for _, t := range r.tasks {
		if t.stages.Has(stage) && !t.cancelled.Load() {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *task) int {
		if a.priority != b.priority {
			return a.priority - b.priority
		}
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// Snapshot returns diagnostic copies of the live tasks of stage, in firing order.
func (r *Registry) Snapshot(stage Stage) []TaskInfo {
	ts := r.snapshotForStage(stage)
	out := make([]TaskInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.info())
	}
	return out
}

// Compact drops cancelled tasks and returns how many were removed.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tasks[:0]
	removed := 0
	for _, t := range r.tasks {
		if t.cancelled.Load() {
			delete(r.ids, t.id)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	clear(r.tasks[len(kept):])
	r.tasks = kept
	if removed > 0 {
		r.version++
	}
	return removed
}

// Len is the number of records, including cancelled ones not yet compacted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Tasks returns diagnostic copies of every record in registration order.
func (r *Registry) Tasks() []TaskInfo {
	r.mu.Lock()
	ts := slices.Clone(r.tasks)
	r.mu.Unlock()
	out := make([]TaskInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.info())
	}
	return out
}

// live counts records that are not cancelled.
func (r *Registry) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if !t.cancelled.Load() {
			n++
		}
	}
	return n
}
