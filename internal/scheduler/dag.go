package scheduler

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// DAG represents a directed acyclic graph of tasks. It tracks, per task, the
// number of dependencies that have not yet succeeded so readiness is updated
// incrementally instead of rescanning the graph.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // Task IDs in insertion order
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	pending    map[string]int      // Unresolved dependency count per task
	depth      map[string]int      // Longest dependency chain below each task

	observer func(task *Task) // Called after Mark for every task whose status changed
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		pending:    make(map[string]int),
		depth:      make(map[string]int),
	}
}

// Observe registers fn to be called, outside the graph lock, with a copy of
// every task whose status a Mark call changed. fn must not block for long.
func (d *DAG) Observe(fn func(task *Task)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = fn
}

// AddTask adds a single task. See AddTasks.
func (d *DAG) AddTask(task *Task) error {
	return d.AddTasks(task)
}

// AddTasks adds a batch of tasks atomically. Dependencies may refer to tasks
// already in the graph or to tasks in the same batch. On any error
// (duplicate ID, *UnknownDependencyError, *CycleError) the graph is left
// unchanged.
//
// Incoming statuses are normalized: Succeeded, Blocked and exhausted
// failures are kept (used when restoring a persisted run); everything else
// restarts as Pending or Ready depending on its dependencies.
func (d *DAG) AddTasks(tasks ...*Task) error {
	if len(tasks) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batch := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			return fmt.Errorf("task ID must not be empty")
		}
		if _, exists := d.tasks[task.ID]; exists {
			return fmt.Errorf("task with ID %q already exists", task.ID)
		}
		if _, exists := batch[task.ID]; exists {
			return fmt.Errorf("task with ID %q already exists", task.ID)
		}
		batch[task.ID] = task
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if depID == task.ID {
				return &CycleError{Path: []string{task.ID, task.ID}}
			}
			if _, ok := d.tasks[depID]; ok {
				continue
			}
			if _, ok := batch[depID]; !ok {
				return &UnknownDependencyError{TaskID: task.ID, DependencyID: depID}
			}
		}
	}

	// Existing tasks never depend on new ones, so a cycle can only run
	// through the batch; sorting the combined graph still catches it.
	ids := append(append([]string(nil), d.order...), taskIDs(tasks)...)
	depsOf := func(id string) []string {
		if t, ok := batch[id]; ok {
			return t.DependsOn
		}
		return d.tasks[id].DependsOn
	}

	sorted, err := toposort.Toposort(buildEdges(ids, depsOf))
	if err != nil {
		return &CycleError{Path: findCycle(taskIDs(tasks), depsOf)}
	}

	seq := len(d.order)
	for _, task := range tasks {
		cp := cloneTask(task)
		cp.seq = seq
		seq++
		batch[task.ID] = cp
	}

	// Insert in topological order so every dependency's status is settled
	// before its dependents are classified.
	for _, raw := range sorted {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		task, isNew := batch[id]
		if !isNew {
			continue
		}
		d.insertLocked(task)
	}

	for _, task := range tasks {
		d.order = append(d.order, task.ID)
	}
	return nil
}

func (d *DAG) insertLocked(task *Task) {
	switch {
	case task.Status == TaskSucceeded, task.Status == TaskBlocked:
	case (task.Status == TaskFailed || task.Status == TaskRolledBack) && task.Exhausted:
	default:
		task.Status = TaskPending
		task.Exhausted = false
	}

	unresolved := 0
	blocked := false
	depth := 0
	for _, depID := range task.DependsOn {
		dep := d.tasks[depID]
		if dep.Status != TaskSucceeded {
			unresolved++
		}
		if dep.Status == TaskBlocked || (dep.Terminal() && dep.Status != TaskSucceeded) {
			blocked = true
		}
		if d.depth[depID]+1 > depth {
			depth = d.depth[depID] + 1
		}
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	if task.Status == TaskPending {
		switch {
		case blocked:
			task.Status = TaskBlocked
		case unresolved == 0:
			task.Status = TaskReady
		}
	}

	d.tasks[task.ID] = task
	d.pending[task.ID] = unresolved
	d.depth[task.ID] = depth
}

// ReadyTasks returns every task with status Ready, ordered by topological
// depth and then insertion order.
func (d *DAG) ReadyTasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ready := []*Task{}
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status == TaskReady {
			ready = append(ready, cloneTask(task))
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return d.depth[ready[i].ID] < d.depth[ready[j].ID]
	})
	return ready
}

// Mark records a status transition requested by the scheduler and returns
// the status the task actually ended up in.
//
//   - Running: only from Ready.
//   - Succeeded: only from Running. Dependents whose last unresolved
//     dependency this was become Ready.
//   - Failed, RolledBack: only from Running. The attempt is counted; with
//     retries left the task goes back to Ready, otherwise it keeps the failure
//     status, is flagged Exhausted and all transitive dependents are Blocked.
func (d *DAG) Mark(taskID string, status TaskStatus, cause error) (TaskStatus, error) {
	d.mu.Lock()
	result, changed, err := d.markLocked(taskID, status, cause)
	observer := d.observer
	d.mu.Unlock()

	if observer != nil {
		for _, task := range changed {
			observer(task)
		}
	}
	return result, err
}

// markLocked applies a transition and returns copies of the changed tasks.
func (d *DAG) markLocked(taskID string, status TaskStatus, cause error) (TaskStatus, []*Task, error) {
	task, exists := d.tasks[taskID]
	if !exists {
		return 0, nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}

	invalid := func() (TaskStatus, []*Task, error) {
		return task.Status, nil, fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, taskID, task.Status, status)
	}

	var changed []*Task
	switch status {
	case TaskRunning:
		if task.Status != TaskReady {
			return invalid()
		}
		task.Status = TaskRunning

	case TaskSucceeded:
		if task.Status != TaskRunning {
			return invalid()
		}
		task.Status = TaskSucceeded
		task.Error = nil
		for _, depID := range d.dependents[taskID] {
			d.pending[depID]--
			if dep := d.tasks[depID]; d.pending[depID] == 0 && dep.Status == TaskPending {
				dep.Status = TaskReady
				changed = append(changed, cloneTask(dep))
			}
		}

	case TaskFailed, TaskRolledBack:
		if task.Status != TaskRunning {
			return invalid()
		}
		task.Attempts++
		task.Error = cause
		if task.Attempts <= task.MaxRetries {
			task.Status = TaskReady
			break
		}
		task.Status = status
		task.Exhausted = true
		changed = append(changed, d.blockDependentsLocked(taskID)...)

	default:
		return invalid()
	}

	return task.Status, append([]*Task{cloneTask(task)}, changed...), nil
}

// blockDependentsLocked marks every transitive dependent of taskID Blocked.
func (d *DAG) blockDependentsLocked(taskID string) []*Task {
	var blocked []*Task
	queue := append([]string(nil), d.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		task := d.tasks[id]
		if task.Terminal() {
			continue
		}
		task.Status = TaskBlocked
		task.Error = fmt.Errorf("blocked by failed dependency %q", taskID)
		blocked = append(blocked, cloneTask(task))
		queue = append(queue, d.dependents[id]...)
	}
	return blocked
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Depth returns the length of the longest dependency chain below a task.
func (d *DAG) Depth(taskID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.depth[taskID]
}

// Done reports whether every task is terminal.
func (d *DAG) Done() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, task := range d.tasks {
		if !task.Terminal() {
			return false
		}
	}
	return true
}

// Progress summarizes task statuses.
type Progress struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Succeeded int
	Failed    int // Failed or rolled back with retries exhausted
	Blocked   int
}

// Finished returns the number of tasks in a terminal state.
func (p Progress) Finished() int {
	return p.Succeeded + p.Failed + p.Blocked
}

// Progress returns the current status counts.
func (d *DAG) Progress() Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := Progress{}
	for _, task := range d.tasks {
		p.add(task)
	}
	return p
}

// ProgressOf summarizes a task list, e.g. one loaded from storage.
func ProgressOf(tasks []*Task) Progress {
	p := Progress{}
	for _, task := range tasks {
		p.add(task)
	}
	return p
}

func (p *Progress) add(task *Task) {
	p.Total++
	switch task.Status {
	case TaskPending:
		p.Pending++
	case TaskReady:
		p.Ready++
	case TaskRunning:
		p.Running++
	case TaskSucceeded:
		p.Succeeded++
	case TaskFailed, TaskRolledBack:
		if task.Exhausted {
			p.Failed++
		} else {
			p.Ready++
		}
	case TaskBlocked:
		p.Blocked++
	}
}

// Order returns topologically sorted task IDs.
func (d *DAG) Order() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sorted, err := toposort.Toposort(buildEdges(d.order, func(id string) []string {
		return d.tasks[id].DependsOn
	}))
	if err != nil {
		return nil, fmt.Errorf("DAG contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// buildEdges builds toposort edges; an edge (dep, task) means dep must come
// before task. Tasks without dependencies get an edge from nil so they are
// included in the result.
func buildEdges(ids []string, depsOf func(string) []string) []toposort.Edge {
	var edges []toposort.Edge
	for _, id := range ids {
		deps := depsOf(id)
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	return edges
}

// findCycle returns one dependency cycle reachable from roots, or nil.
func findCycle(roots []string, depsOf func(string) []string) []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range depsOf(id) {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = visited
		return false
	}

	for _, id := range roots {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	if task.Payload != nil {
		cp.Payload = maps.Clone(task.Payload)
	}
	return &cp
}
