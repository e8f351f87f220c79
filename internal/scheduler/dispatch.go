package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// Start launches the dispatch loop. It runs until ctx is cancelled; Wait
// blocks until the loop and all in-flight runs have finished.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.dispatch(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			}
		}
	}()
}

// Wait blocks until the dispatch loop and every spawned run return.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// dispatch claims and launches eligible tasks until the queue or the
// concurrency cap is exhausted.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		task, needsReview := s.pickLocked("")
		if task == nil {
			s.mu.Unlock()
			return
		}

		if needsReview {
			s.reviewing[task.ID] = true
			cp := *task
			s.mu.Unlock()
			s.wg.Add(1)
			go s.reviewScope(ctx, cp)
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.mu.Unlock()
			return // a finishing run will kick the loop again
		}

		task.Status = domain.TaskInProgress
		if err := s.persistUpdateLocked(ctx, task, "task_dispatched", `{}`); err != nil {
			task.Status = domain.TaskPending
			s.sem.Release(1)
			s.mu.Unlock()
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		s.cancels[task.ID] = cancel
		s.running[task.ID] = true
		cp := *task
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			outcome := s.runner.Run(runCtx, cp)
			// Terminal outcomes must survive shutdown, so persistence does
			// not ride on the dispatch context.
			_ = s.OnOutcome(context.Background(), cp.ID, outcome)
		}()
	}
}

// OnWorkerAvailable claims the next dispatchable task for a pull-based
// worker of the given type and marks it IN_PROGRESS. The caller reports the
// result through OnOutcome. Returns nil when nothing is dispatchable.
func (s *Scheduler) OnWorkerAvailable(ctx context.Context, workerType string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, needsReview := s.pickLocked(workerType)
	if task == nil {
		return nil, nil
	}
	if needsReview {
		s.reviewing[task.ID] = true
		cp := *task
		s.wg.Add(1)
		go s.reviewScope(s.reviewCtxLocked(), cp)
		return nil, nil
	}
	if !s.sem.TryAcquire(1) {
		return nil, nil
	}

	task.Status = domain.TaskInProgress
	if err := s.persistUpdateLocked(ctx, task, "task_dispatched", `{}`); err != nil {
		task.Status = domain.TaskPending
		s.sem.Release(1)
		return nil, err
	}
	s.running[task.ID] = true

	cp := *task
	return &cp, nil
}

func (s *Scheduler) reviewCtxLocked() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// pickLocked returns the highest-ranked dispatchable task, or the
// highest-ranked one still needing a scope review. Ranking is priority
// first, then FIFO by submission time, then id. Caller holds mu.
func (s *Scheduler) pickLocked(workerType string) (*domain.Task, bool) {
	var eligible []*domain.Task
	for _, t := range s.queue {
		if t.Status != domain.TaskPending || s.reviewing[t.ID] {
			continue
		}
		if workerType != "" && t.WorkerType != workerType {
			continue
		}
		if !s.depsCompletedLocked(t) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if eligible[i].CreatedAtUnix != eligible[j].CreatedAtUnix {
			return eligible[i].CreatedAtUnix < eligible[j].CreatedAtUnix
		}
		return eligible[i].ID < eligible[j].ID
	})

	picked := eligible[0]
	needsReview := s.advisor != nil && s.advisor.NeedsReview(*picked)
	return picked, needsReview
}

func (s *Scheduler) depsCompletedLocked(t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.queue[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// reviewScope runs the advisory step for one oversized task. The task is not
// executed until this resolves; independent tasks keep dispatching.
func (s *Scheduler) reviewScope(ctx context.Context, task domain.Task) {
	defer s.wg.Done()

	advice := s.advisor.Evaluate(task)
	if advice.Action == domain.ScopeProceed {
		s.applyScopeDecision(task.ID, domain.Decision{Option: domain.OptionProceed}, advice, "scope_auto_proceed")
		return
	}

	if s.decider == nil {
		s.applyScopeDecision(task.ID, domain.Decision{Option: domain.OptionEscalate}, advice, "scope_escalated")
		return
	}

	decision, err := s.decider.Decide(ctx, domain.DecisionRequest{
		TaskID:   task.ID,
		Point:    domain.DecisionScope,
		Reason:   "estimated footprint exceeds escalation threshold",
		Evidence: strings.Join(advice.Reasons, "; "),
		Options:  []domain.DecisionOption{domain.OptionProceed, domain.OptionSplit, domain.OptionEscalate},
	})
	if err != nil {
		// Leave the task pending and wake the dispatcher so the review is
		// retried without waiting on an unrelated event.
		s.mu.Lock()
		delete(s.reviewing, task.ID)
		s.mu.Unlock()
		s.kick()
		return
	}
	s.applyScopeDecision(task.ID, decision, advice, "scope_"+string(decision.Option))
}

// applyScopeDecision resolves the advisory step. A split with no subtasks
// degrades to escalation.
func (s *Scheduler) applyScopeDecision(taskID string, decision domain.Decision, advice domain.ScopeAdvice, eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reviewing, taskID)

	t, ok := s.queue[taskID]
	if !ok || t.Status != domain.TaskPending {
		return // cancelled while under review
	}

	ctx := s.reviewCtxLocked()
	evidence := strings.Join(advice.Reasons, "; ")

	switch decision.Option {
	case domain.OptionProceed:
		t.Advised = true
		payload := fmt.Sprintf(`{"confidence":%.2f}`, advice.Confidence)
		_ = s.persistUpdateLocked(ctx, t, eventType, payload)
		s.kick()

	case domain.OptionSplit:
		if len(decision.SplitInto) == 0 {
			s.escalateLocked(ctx, t, evidence+"; split produced no subtasks")
			return
		}
		if err := s.splitLocked(ctx, t, decision.SplitInto); err != nil {
			s.escalateLocked(ctx, t, evidence+"; split rejected: "+err.Error())
		}

	default: // escalate
		s.escalateLocked(ctx, t, evidence)
	}
}

func (s *Scheduler) escalateLocked(ctx context.Context, t *domain.Task, evidence string) {
	t.Status = domain.TaskBlocked
	t.Blocker = domain.Blocker{Reason: "scope escalation", Evidence: evidence}
	_ = s.persistUpdateLocked(ctx, t, "task_blocked", fmt.Sprintf(`{"reason":"scope escalation","evidence":%q}`, evidence))
}

// splitLocked replaces an oversized task with dependent subtasks. The
// original becomes SUPERSEDED and anything that depended on it is rewired to
// depend on every subtask instead. Caller holds mu.
func (s *Scheduler) splitLocked(ctx context.Context, original *domain.Task, subtasks []domain.Task) error {
	prepared := make([]domain.Task, len(subtasks))
	inBatch := make(map[string]bool)
	for i, sub := range subtasks {
		if sub.WorkerType == "" {
			sub.WorkerType = original.WorkerType
		}
		if sub.Type == "" {
			sub.Type = original.Type
		}
		if len(sub.Tags) == 0 {
			sub.Tags = original.Tags
		}
		t, err := s.prepareLocked(sub, inBatch)
		if err != nil {
			return err
		}
		t.Priority = original.Priority
		prepared[i] = *t
		inBatch[t.ID] = true
	}
	if err := s.checkAcyclicLocked(prepared); err != nil {
		return err
	}

	subIDs := make([]string, len(prepared))
	for i := range prepared {
		subIDs[i] = prepared[i].ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("split task %s: %w", original.ID, err)
	}
	for i := range prepared {
		if err := s.tasks.CreateTx(ctx, tx, prepared[i]); err != nil {
			tx.Rollback()
			return err
		}
	}

	rewired := make(map[string][]string)
	for _, depID := range s.dependents[original.ID] {
		dep := s.queue[depID]
		if dep == nil || dep.Status.Terminal() {
			continue
		}
		next := make([]string, 0, len(dep.DependsOn)+len(subIDs)-1)
		for _, d := range dep.DependsOn {
			if d == original.ID {
				next = append(next, subIDs...)
			} else {
				next = append(next, d)
			}
		}
		if err := s.tasks.UpdateDependsOnTx(ctx, tx, depID, next); err != nil {
			tx.Rollback()
			return err
		}
		rewired[depID] = next
	}

	original.Status = domain.TaskSuperseded
	original.TerminalAtUnix = time.Now().Unix()
	if err := s.tasks.UpdateStateTx(ctx, tx, *original); err != nil {
		tx.Rollback()
		original.Status = domain.TaskPending
		original.TerminalAtUnix = 0
		return err
	}
	if err := s.events.AppendTx(ctx, tx, domain.TaskEvent{
		TaskID:      original.ID,
		EventType:   "task_superseded",
		PayloadJSON: fmt.Sprintf(`{"split_into":%q}`, strings.Join(subIDs, ",")),
		CreatedAt:   time.Now().Unix(),
	}); err != nil {
		tx.Rollback()
		original.Status = domain.TaskPending
		original.TerminalAtUnix = 0
		return err
	}
	if err := tx.Commit(); err != nil {
		original.Status = domain.TaskPending
		original.TerminalAtUnix = 0
		return fmt.Errorf("split task %s: %w", original.ID, err)
	}
	original.StateVersion++

	for depID, next := range rewired {
		dep := s.queue[depID]
		dep.DependsOn = next
		for _, subID := range subIDs {
			s.dependents[subID] = append(s.dependents[subID], depID)
		}
	}
	for i := range prepared {
		t := prepared[i]
		s.index(&t)
	}
	s.kick()
	return nil
}
