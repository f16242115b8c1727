package uploads

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry tracks upload tasks keyed by task id. Reads return immutable
// snapshots: every mutation replaces the backing map rather than editing it
// in place, so a snapshot handed to a caller never changes underneath it.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]Task
	now       func() time.Time
	lastStamp int64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register opens a pending task for a file and returns its id. The id is
// the submission stamp joined with the file name; two submissions of the
// same name in the same millisecond get distinct stamps.
func (r *Registry) Register(fileName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamp := r.now().UnixMilli()
	if stamp <= r.lastStamp {
		stamp = r.lastStamp + 1
	}
	r.lastStamp = stamp
	id := fmt.Sprintf("%d_%s", stamp, fileName)
	r.putLocked(Task{
		ID:       id,
		FileName: fileName,
		Status:   StatusPending,
	})
	return id
}

// Update moves a task to a new stage, advancing its progress marker.
// Unknown ids are ignored.
func (r *Registry) Update(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	task.Progress = progressFor(status)
	r.putLocked(task)
}

// Complete marks a task finished and records where the blob and its
// preview landed.
func (r *Registry) Complete(id, url, thumbnailURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	task.Status = StatusCompleted
	task.Progress = progressFor(StatusCompleted)
	task.URL = url
	task.ThumbnailURL = thumbnailURL
	task.Error = ""
	r.putLocked(task)
}

// Fail marks a task terminally failed. Progress stays where it stopped.
func (r *Registry) Fail(id, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	task.Status = StatusError
	task.Error = errMsg
	r.putLocked(task)
}

// putLocked replaces the backing map with a copy carrying the task.
// Callers hold r.mu.
func (r *Registry) putLocked(task Task) {
	task.UpdatedAt = r.now()
	next := make(map[string]Task, len(r.tasks)+1)
	for id, existing := range r.tasks {
		next[id] = existing
	}
	next[task.ID] = task
	r.tasks = next
}

// Get returns the task with the given id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	return task, ok
}

// Latest returns the most recently submitted task for a file name.
func (r *Registry) Latest(fileName string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest Task
	found := false
	for _, task := range r.tasks {
		if task.FileName != fileName {
			continue
		}
		if !found || task.ID > latest.ID {
			latest = task
			found = true
		}
	}
	return latest, found
}

// All returns every tracked task in submission order.
func (r *Registry) All() []Task {
	r.mu.Lock()
	tasks := r.tasks
	r.mu.Unlock()
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Clear drops all tracked tasks, typically after the message send settles.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]Task)
}

// Active reports how many tasks are still in flight.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, task := range r.tasks {
		switch task.Status {
		case StatusPending, StatusUploading, StatusProcessing:
			count++
		}
	}
	return count
}

// progressFor maps a lifecycle stage to its percentage marker.
func progressFor(status Status) int {
	switch status {
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}
