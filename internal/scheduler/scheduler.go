// Package scheduler owns the task queue: dependency-aware dispatch under a
// global concurrency cap, scope escalation before oversized tasks run, and
// terminal-outcome bookkeeping.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/anthropics/crucible-engine/internal/advisor"
	"github.com/anthropics/crucible-engine/internal/controller"
	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/store"
)

// Runner executes one claimed task to a terminal outcome. The controller
// satisfies this; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, task domain.Task) domain.Outcome
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task domain.Task) domain.Outcome

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task domain.Task) domain.Outcome {
	return f(ctx, task)
}

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrent caps how many tasks run at once. Minimum 1.
	MaxConcurrent int
	// Workers is the set of known worker types. When non-nil, Submit
	// rejects tasks naming a type outside it.
	Workers map[string]bool
	// DefaultBudget supplies the iteration budget for tasks submitted
	// without one. Nil falls back to a budget of 5.
	DefaultBudget func(domain.TaskType) int
}

// Scheduler is the single writer for task state. One mutex guards the queue
// and its indexes; dispatch concurrency is capped by a weighted semaphore.
type Scheduler struct {
	db     *sql.DB
	tasks  *store.TaskRepo
	events *store.EventRepo

	runner  Runner
	advisor *advisor.Advisor
	decider controller.Decider

	sem       *semaphore.Weighted
	workers   map[string]bool
	budgetFor func(domain.TaskType) int

	mu             sync.Mutex
	queue          map[string]*domain.Task
	dependents     map[string][]string
	cancels        map[string]context.CancelFunc
	cancelRequests map[string]bool
	running        map[string]bool
	reviewing      map[string]bool

	baseCtx context.Context
	notify  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Scheduler over the store and recovers persisted state: tasks
// found IN_PROGRESS were interrupted mid-run, and since all attempt work is
// iteration-scoped they are reset to PENDING.
func New(ctx context.Context, db *sql.DB, runner Runner, adv *advisor.Advisor, decider controller.Decider, opts Options) (*Scheduler, error) {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	s := &Scheduler{
		db:             db,
		tasks:          &store.TaskRepo{},
		events:         &store.EventRepo{},
		runner:         runner,
		advisor:        adv,
		decider:        decider,
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		workers:        opts.Workers,
		budgetFor:      opts.DefaultBudget,
		queue:          make(map[string]*domain.Task),
		dependents:     make(map[string][]string),
		cancels:        make(map[string]context.CancelFunc),
		cancelRequests: make(map[string]bool),
		running:        make(map[string]bool),
		reviewing:      make(map[string]bool),
		notify:         make(chan struct{}, 1),
	}

	persisted, err := s.tasks.ListAll(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for i := range persisted {
		t := persisted[i]
		if t.Status == domain.TaskInProgress {
			t.Status = domain.TaskPending
			s.index(&t)
			if err := s.persistUpdateLocked(ctx, s.queue[t.ID], "task_recovered", `{}`); err != nil {
				return nil, err
			}
			continue
		}
		s.index(&t)
	}
	return s, nil
}

// index adds a task to the in-memory queue and dependency index. Caller
// holds mu or is single-threaded (construction).
func (s *Scheduler) index(t *domain.Task) {
	s.queue[t.ID] = t
	for _, dep := range t.DependsOn {
		s.dependents[dep] = append(s.dependents[dep], t.ID)
	}
}

// Submit validates and enqueues one task.
func (s *Scheduler) Submit(ctx context.Context, task domain.Task) (*domain.Task, error) {
	created, err := s.SubmitBatch(ctx, []domain.Task{task})
	if err != nil {
		return nil, err
	}
	return &created[0], nil
}

// SubmitBatch validates and enqueues a set of tasks atomically. Dependencies
// may reference tasks inside the batch; cycles are rejected before anything
// is persisted.
func (s *Scheduler) SubmitBatch(ctx context.Context, batch []domain.Task) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared := make([]domain.Task, len(batch))
	inBatch := make(map[string]bool)
	for i, task := range batch {
		t, err := s.prepareLocked(task, inBatch)
		if err != nil {
			return nil, err
		}
		prepared[i] = *t
		inBatch[t.ID] = true
	}

	if err := s.checkAcyclicLocked(prepared); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	for i := range prepared {
		if err := s.tasks.CreateTx(ctx, tx, prepared[i]); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := s.events.AppendTx(ctx, tx, domain.TaskEvent{
			TaskID:      prepared[i].ID,
			EventType:   "task_submitted",
			PayloadJSON: fmt.Sprintf(`{"priority":%d,"type":%q}`, prepared[i].Priority, prepared[i].Type),
			CreatedAt:   time.Now().Unix(),
		}); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	for i := range prepared {
		t := prepared[i]
		s.index(&t)
	}
	s.kick()
	return prepared, nil
}

// prepareLocked fills defaults and validates one submission against the
// current queue plus the batch seen so far.
func (s *Scheduler) prepareLocked(task domain.Task, inBatch map[string]bool) (*domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := s.queue[task.ID]; exists || inBatch[task.ID] {
		return nil, domain.WrapEngineError(domain.ErrDuplicateTask.Code, task.ID, nil)
	}
	if task.WorkerType == "" {
		return nil, domain.WrapEngineError(domain.ErrNoWorkerType.Code, task.ID, nil)
	}
	if s.workers != nil && !s.workers[task.WorkerType] {
		return nil, domain.WrapEngineError(domain.ErrWorkerUnavailable.Code, task.WorkerType, nil)
	}
	for _, dep := range task.DependsOn {
		if _, ok := s.queue[dep]; !ok && !inBatch[dep] {
			return nil, domain.WrapEngineError(domain.ErrUnknownDependency.Code,
				fmt.Sprintf("task %s depends on %s", task.ID, dep), nil)
		}
	}
	if task.MaxIterations <= 0 {
		if s.budgetFor != nil {
			task.MaxIterations = s.budgetFor(task.Type)
		}
		if task.MaxIterations <= 0 {
			task.MaxIterations = 5
		}
	}
	task.Status = domain.TaskPending
	task.StateVersion = 1
	if task.CreatedAtUnix == 0 {
		task.CreatedAtUnix = time.Now().Unix()
	}
	return &task, nil
}

// checkAcyclicLocked rejects dependency cycles over the whole known graph
// plus the incoming batch.
func (s *Scheduler) checkAcyclicLocked(batch []domain.Task) error {
	var edges []toposort.Edge
	addTask := func(t *domain.Task) {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			return
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	for _, t := range s.queue {
		addTask(t)
	}
	for i := range batch {
		addTask(&batch[i])
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return domain.WrapEngineError(domain.ErrDependencyCycle.Code, "submit", err)
	}
	return nil
}

// OnOutcome records a run's terminal outcome, releases the task's dispatch
// slot, and wakes the dispatcher so dependents can proceed.
func (s *Scheduler) OnOutcome(ctx context.Context, taskID string, outcome domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.queue[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	requested := s.cancelRequests[taskID]
	delete(s.cancelRequests, taskID)

	var status domain.TaskStatus
	eventType := ""
	switch outcome.Kind {
	case domain.OutcomeCompleted:
		status = domain.TaskCompleted
	case domain.OutcomeBlocked:
		status = domain.TaskBlocked
	case domain.OutcomeCancelled:
		status = domain.TaskCancelled
	case domain.OutcomeExhausted:
		status = domain.TaskExhausted
	case domain.OutcomeInterrupted:
		// An interrupted run is terminal only when an operator asked for the
		// cancellation. A shutdown puts the task back in line, matching the
		// boot-time recovery of tasks found IN_PROGRESS.
		if requested {
			status = domain.TaskCancelled
			outcome.Blocker = domain.Blocker{Reason: "cancelled by operator"}
		} else {
			status = domain.TaskPending
			outcome.Blocker = domain.Blocker{}
			eventType = "task_interrupted"
		}
	default:
		return domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("unknown outcome kind %q", outcome.Kind))
	}

	t.Status = status
	t.Blocker = outcome.Blocker
	t.AttemptHistory = outcome.History
	if status.Terminal() {
		t.TerminalAtUnix = time.Now().Unix()
	}
	if eventType == "" {
		eventType = "task_" + string(status)
	}

	payload := fmt.Sprintf(`{"attempts":%d,"final_verdict":%q,"overridden":%t}`,
		outcome.Attempts, outcome.FinalVerdict, outcome.Overridden)
	if err := s.persistUpdateLocked(ctx, t, eventType, payload); err != nil {
		return err
	}

	if cancel, ok := s.cancels[taskID]; ok {
		cancel()
		delete(s.cancels, taskID)
	}
	if s.running[taskID] {
		delete(s.running, taskID)
		s.sem.Release(1)
	}

	s.kick()
	return nil
}

// Retry moves a blocked or exhausted task back to PENDING. This is the only
// path out of BLOCKED; nothing retries such tasks automatically.
func (s *Scheduler) Retry(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.queue[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskBlocked && t.Status != domain.TaskExhausted {
		return domain.WrapEngineError(domain.ErrTaskNotRetryable.Code,
			fmt.Sprintf("task %s is %s", taskID, t.Status), nil)
	}

	t.Status = domain.TaskPending
	t.Blocker = domain.Blocker{}
	if err := s.persistUpdateLocked(ctx, t, "task_retried", `{}`); err != nil {
		return err
	}
	s.kick()
	return nil
}

// Cancel stops a task. PENDING, BLOCKED, and EXHAUSTED tasks are cancelled
// immediately with no side effects; IN_PROGRESS tasks get a cancellation
// flag the controller observes at its next iteration boundary.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.queue[taskID]
	if !ok {
		return domain.ErrTaskNotFound
	}

	switch t.Status {
	case domain.TaskInProgress:
		// The request is recorded so the interrupted outcome reads as an
		// operator cancellation, not a shutdown.
		s.cancelRequests[taskID] = true
		if cancel, ok := s.cancels[taskID]; ok {
			cancel()
		}
		return nil
	case domain.TaskPending, domain.TaskBlocked, domain.TaskExhausted:
		t.Status = domain.TaskCancelled
		t.TerminalAtUnix = time.Now().Unix()
		return s.persistUpdateLocked(ctx, t, "task_cancelled", `{"immediate":true}`)
	default:
		return domain.WrapEngineError(domain.ErrTaskTerminal.Code,
			fmt.Sprintf("task %s is %s", taskID, t.Status), nil)
	}
}

// Get returns a copy of one task.
func (s *Scheduler) Get(taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.queue[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns copies of all tasks in submission order.
func (s *Scheduler) List() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.queue))
	for _, t := range s.queue {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUnix != out[j].CreatedAtUnix {
			return out[i].CreatedAtUnix < out[j].CreatedAtUnix
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// persistUpdateLocked writes a task's current in-memory state plus an event
// in one transaction, then bumps the in-memory version to match. Caller
// holds mu.
func (s *Scheduler) persistUpdateLocked(ctx context.Context, t *domain.Task, eventType, payload string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if err := s.tasks.UpdateStateTx(ctx, tx, *t); err != nil {
		tx.Rollback()
		return err
	}
	if eventType != "" {
		if err := s.events.AppendTx(ctx, tx, domain.TaskEvent{
			TaskID:      t.ID,
			EventType:   eventType,
			PayloadJSON: payload,
			CreatedAt:   time.Now().Unix(),
		}); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	t.StateVersion++
	return nil
}

// kick wakes the dispatch loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
