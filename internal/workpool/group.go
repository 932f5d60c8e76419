package workpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrSkipped is returned by tasks that did not run because a sibling task in
// the same group had already failed.
var ErrSkipped = errors.New("skipped after sibling failure")

// Task is a job whose outcome is reported to its TaskGroup.
type Task func(worker int) error

// TaskError carries the identity of the failed object through the group.
type TaskError struct {
	Object string
	Worker int
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s (worker %d): %v", e.Object, e.Worker, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TaskGroup tracks a cohort of tasks pushed to a Pool. Its result starts out
// true and is AND-reduced by every finished task; once false it stays false.
type TaskGroup struct {
	pool    *Pool
	pending atomic.Int64
	failed  atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
	errs []*TaskError
}

// NewTaskGroup creates a group scheduling onto pool.
func NewTaskGroup(pool *Pool) *TaskGroup {
	g := &TaskGroup{pool: pool}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// PushTask schedules task. object names what the task works on and is used
// to annotate a failure.
func (g *TaskGroup) PushTask(object string, task Task) {
	g.pending.Add(1)
	g.pool.Push(func(worker int) {
		err := task(worker)
		if err != nil {
			var te *TaskError
			if !errors.As(err, &te) {
				err = &TaskError{Object: object, Worker: worker, Err: err}
			}
		}
		g.FinishTask(err)
	})
}

// FinishTask records the outcome of one task. A nil error is a success.
func (g *TaskGroup) FinishTask(err error) {
	if err != nil {
		g.failed.Store(true)
		var te *TaskError
		if !errors.As(err, &te) {
			te = &TaskError{Object: "unknown", Worker: -1, Err: err}
		}
		g.mu.Lock()
		g.errs = append(g.errs, te)
		g.mu.Unlock()
	}

	if g.pending.Add(-1) == 0 {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}
}

// Result reports whether every task finished so far has succeeded. Running
// tasks use it to notice a sibling failure.
func (g *TaskGroup) Result() bool {
	return !g.failed.Load()
}

// IsFinished reports whether no task is pending.
func (g *TaskGroup) IsFinished() bool {
	return g.pending.Load() == 0
}

// WaitForFinish blocks until no task is pending and returns the aggregate
// result.
func (g *TaskGroup) WaitForFinish() bool {
	g.mu.Lock()
	for g.pending.Load() != 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
	return g.Result()
}

// Errors returns the failures recorded so far.
func (g *TaskGroup) Errors() []*TaskError {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*TaskError, len(g.errs))
	copy(out, g.errs)
	return out
}

// Err combines the recorded failures, or returns nil.
func (g *TaskGroup) Err() error {
	var combined error
	for _, te := range g.Errors() {
		combined = errors.CombineErrors(combined, te)
	}
	return combined
}
