package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coralnet/visionbackend/pkg/models"
)

// Kind controls how a task's job moves through its lifecycle.
type Kind int

const (
	// KindRunner jobs are claimed from pending, run, and finished.
	KindRunner Kind = iota
	// KindStarter jobs are claimed and run, then stay in progress until
	// something else (the spacer collector) finishes them.
	KindStarter
	// KindFull jobs are created in progress and run right away.
	KindFull
)

func (k Kind) String() string {
	switch k {
	case KindRunner:
		return "runner"
	case KindStarter:
		return "starter"
	case KindFull:
		return "full"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TaskFunc runs one job. The returned string becomes the job's result
// message on success.
type TaskFunc func(ctx context.Context, job *models.Job) (string, error)

// AbandonFunc cleans up after a started job that was failed from outside
// its own lifecycle, such as a manual abort or a lost spacer result.
type AbandonFunc func(ctx context.Context, job *models.Job, message string) error

type Task struct {
	Name string
	Kind Kind
	Run  TaskFunc
	// Persist keeps finished jobs out of old-job cleanup.
	Persist bool
	// Interval > 0 makes the task periodic. Runs land on multiples of
	// Interval shifted by Offset.
	Interval time.Duration
	Offset   time.Duration
	// OnAbandon, if set, runs after an in-progress job of this task is
	// aborted or lost.
	OnAbandon AbandonFunc
}

func (t *Task) Periodic() bool {
	return t.Interval > 0
}

// Registry maps job names to tasks. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*Task{}}
}

func (r *Registry) Register(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("register task: name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("register task %s: run function is required", task.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.Name]; ok {
		return fmt.Errorf("register task %s: already registered", task.Name)
	}
	r.tasks[task.Name] = &task
	return nil
}

func (r *Registry) Get(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Periodic returns the periodic tasks sorted by name.
func (r *Registry) Periodic() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.Periodic() {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *Task) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
