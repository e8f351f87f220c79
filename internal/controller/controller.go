// Package controller drives one task through bounded, verified attempts
// until it completes, blocks, or runs out of budget.
package controller

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/crucible-engine/internal/backend"
	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/gate"
	"github.com/anthropics/crucible-engine/internal/knowledge"
	"github.com/anthropics/crucible-engine/internal/store"
	"github.com/anthropics/crucible-engine/internal/workspace"
)

// RunState is the controller's per-run state machine.
type RunState string

const (
	RunRunning       RunState = "running"
	RunAwaitingHuman RunState = "awaiting_human"
	RunCompleted     RunState = "completed"
	RunBlocked       RunState = "blocked"
	RunCancelled     RunState = "cancelled"
	RunExhausted     RunState = "exhausted"
	RunInterrupted   RunState = "interrupted"
)

// validTransitions defines the legal run-state transitions.
var validTransitions = map[RunState]map[RunState]bool{
	RunRunning: {
		RunAwaitingHuman: true,
		RunCompleted:     true,
		RunCancelled:     true,
		RunInterrupted:   true,
	},
	RunAwaitingHuman: {
		RunRunning:     true,
		RunCompleted:   true,
		RunBlocked:     true,
		RunCancelled:   true,
		RunExhausted:   true,
		RunInterrupted: true,
	},
}

// IsValidTransition checks if a run-state transition is legal.
func IsValidTransition(from, to RunState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Decider is the human decision interface. Decide blocks until a choice
// among exactly the request's options is made.
type Decider interface {
	Decide(ctx context.Context, req domain.DecisionRequest) (domain.Decision, error)
}

// Controller orchestrates repeated attempts of a single task. It owns
// attempt creation for that task and reports only a terminal outcome back.
type Controller struct {
	Gate      *gate.Gate
	Backend   backend.Backend
	Workspace workspace.Workspace
	Knowledge *knowledge.Cache
	Decider   Decider

	DB          *sql.DB
	AttemptRepo *store.AttemptRepo
	EventRepo   *store.EventRepo

	Marker           string
	ExtensionDefault int
}

// run holds the state of one task run.
type run struct {
	task      domain.Task
	state     RunState
	attempts  int
	history   *attemptHistory
	consulted []string
}

// transition moves the run to a new state, enforcing the transition map.
func (r *run) transition(to RunState) error {
	if !IsValidTransition(r.state, to) {
		return domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal run transition %s -> %s", r.state, to))
	}
	r.state = to
	return nil
}

// Run drives the task to a terminal outcome. Each iteration spawns a fresh
// worker execution whose only inputs are the task description, the textual
// history of prior attempts, and consulted knowledge. A cut context is
// observed at iteration boundaries only and ends the run as interrupted;
// the caller knows whether an operator or a shutdown cut it.
func (c *Controller) Run(ctx context.Context, task domain.Task, baseline *gate.Baseline) domain.Outcome {
	r := &run{
		task:    task,
		state:   RunRunning,
		history: newAttemptHistory(task.AttemptHistory),
	}
	budget := NewBudget(task.MaxIterations, c.ExtensionDefault)

	for {
		// Iteration boundary: the only place a cut context takes effect.
		if ctx.Err() != nil {
			return c.terminate(r, RunInterrupted, domain.OutcomeInterrupted, "", domain.Blocker{
				Reason: "run interrupted before attempt " + fmt.Sprint(r.attempts+1),
			})
		}

		if budget.Exhausted(r.attempts) {
			outcome, done := c.handleExhaustion(ctx, r, budget)
			if done {
				return outcome
			}
			continue
		}

		r.attempts++
		outcome, done := c.iterate(ctx, r, baseline)
		if done {
			return outcome
		}
	}
}

// iterate performs one attempt. It returns done=true with the terminal
// outcome when the run ends, or done=false to continue iterating.
func (c *Controller) iterate(ctx context.Context, r *run, baseline *gate.Baseline) (domain.Outcome, bool) {
	notes, consultedIDs := c.consult(r.task.Tags)
	r.consulted = consultedIDs

	req := backend.Request{
		TaskID:         r.task.ID,
		WorkerType:     r.task.WorkerType,
		Description:    r.task.Description,
		PriorAttempts:  r.history.text(),
		KnowledgeNotes: notes,
		WorkspaceRoot:  c.Workspace.Root(),
		Attempt:        r.attempts,
	}

	res, err := c.Backend.Attempt(ctx, req)
	if err != nil {
		// A worker failure is a failed attempt: empty diff, error text.
		c.recordAttempt(ctx, r, "", domain.Verdict{
			Kind:    domain.VerdictFailRegression,
			Reasons: []string{"worker attempt failed: " + err.Error()},
		})
		r.history.add(r.attempts, "worker failed: "+err.Error())
		c.recordConsultations(ctx, r, false)
		return domain.Outcome{}, false
	}

	inverse, err := c.Workspace.Apply(res.Diff)
	if err != nil {
		c.recordAttempt(ctx, r, res.Output, domain.Verdict{
			Kind:    domain.VerdictFailRegression,
			Reasons: []string{"diff could not be applied: " + err.Error()},
		})
		r.history.add(r.attempts, "diff rejected: "+err.Error())
		c.recordConsultations(ctx, r, false)
		return domain.Outcome{}, false
	}

	verdict := c.Gate.Verify(ctx, c.Workspace, baseline)
	claimed := c.Marker != "" && strings.Contains(res.Output, c.Marker)
	c.recordAttempt(ctx, r, res.Output, verdict)

	switch verdict.Kind {
	case domain.VerdictPass:
		// Commit: the applied diff stays in place.
		c.recordConsultations(ctx, r, true)
		r.history.add(r.attempts, "pass")
		return c.complete(ctx, r, verdict.Kind, false), true

	case domain.VerdictBlocked:
		// Guardrail violations are never silently retried.
		c.revert(r, inverse)
		c.recordConsultations(ctx, r, false)
		return c.handleGuardrail(ctx, r, res.Diff, verdict), true

	case domain.VerdictFailPreexisting:
		if claimed {
			// A completion claim must clear the gate outright; anything
			// else is a failed claim and the run keeps iterating.
			c.revert(r, inverse)
			c.recordConsultations(ctx, r, false)
			r.history.add(r.attempts, "completion claim not verified: "+summarizeReasons(verdict.Reasons))
			return domain.Outcome{}, false
		}
		// The attempt did not make anything worse; accept it.
		c.recordConsultations(ctx, r, true)
		r.history.add(r.attempts, "pre-existing failures only: "+summarizeReasons(verdict.Reasons))
		return c.complete(ctx, r, verdict.Kind, false), true

	default: // VerdictFailRegression
		c.revert(r, inverse)
		c.recordConsultations(ctx, r, false)
		r.history.add(r.attempts, "regression: "+summarizeReasons(verdict.Reasons))
		return domain.Outcome{}, false
	}
}

// handleGuardrail suspends at AWAITING_HUMAN with the three guardrail
// resolutions: revert, override, abort.
func (c *Controller) handleGuardrail(ctx context.Context, r *run, diff domain.Diff, verdict domain.Verdict) domain.Outcome {
	if err := r.transition(RunAwaitingHuman); err != nil {
		return c.outcome(r, domain.OutcomeCancelled, verdict.Kind, domain.Blocker{Reason: err.Error()})
	}

	blocker := domain.Blocker{
		Reason:   "guardrail violation",
		Evidence: summarizeReasons(verdict.Reasons),
	}
	c.recordEvent(ctx, r.task.ID, "awaiting_human", fmt.Sprintf(`{"point":"guardrail","evidence":%q}`, blocker.Evidence))

	decision, err := c.Decider.Decide(ctx, domain.DecisionRequest{
		TaskID:   r.task.ID,
		Point:    domain.DecisionGuardrail,
		Reason:   blocker.Reason,
		Evidence: blocker.Evidence,
		Options:  []domain.DecisionOption{domain.OptionRevert, domain.OptionOverride, domain.OptionAbort},
	})
	if err != nil {
		// Decide only fails when the run's context is cut mid-wait.
		return c.terminate(r, RunInterrupted, domain.OutcomeInterrupted, verdict.Kind, blocker)
	}

	switch decision.Option {
	case domain.OptionOverride:
		// Commit the diff despite the violation and log the override.
		if _, err := c.Workspace.Apply(diff); err != nil {
			blocker.Evidence += "; override re-apply failed: " + err.Error()
			return c.terminate(r, RunBlocked, domain.OutcomeBlocked, verdict.Kind, blocker)
		}
		c.recordEvent(ctx, r.task.ID, "override_committed", fmt.Sprintf(`{"evidence":%q}`, blocker.Evidence))
		r.history.add(r.attempts, "override committed despite: "+blocker.Evidence)
		out := c.complete(ctx, r, verdict.Kind, true)
		return out

	case domain.OptionAbort:
		return c.terminate(r, RunCancelled, domain.OutcomeCancelled, verdict.Kind, blocker)

	default: // Revert: discard and exit blocked.
		r.history.add(r.attempts, "blocked: "+blocker.Evidence)
		return c.terminate(r, RunBlocked, domain.OutcomeBlocked, verdict.Kind, blocker)
	}
}

// handleExhaustion suspends at AWAITING_HUMAN when the budget runs out.
// done=false means the budget was extended and the run continues.
func (c *Controller) handleExhaustion(ctx context.Context, r *run, budget *Budget) (domain.Outcome, bool) {
	if err := r.transition(RunAwaitingHuman); err != nil {
		return c.outcome(r, domain.OutcomeCancelled, "", domain.Blocker{Reason: err.Error()}), true
	}

	blocker := domain.Blocker{
		Reason:   "iteration budget exhausted",
		Evidence: fmt.Sprintf("%d attempts without a passing result", r.attempts),
	}
	c.recordEvent(ctx, r.task.ID, "awaiting_human", fmt.Sprintf(`{"point":"budget","attempts":%d}`, r.attempts))

	decision, err := c.Decider.Decide(ctx, domain.DecisionRequest{
		TaskID:   r.task.ID,
		Point:    domain.DecisionBudget,
		Reason:   blocker.Reason,
		Evidence: blocker.Evidence,
		Options:  []domain.DecisionOption{domain.OptionContinue, domain.OptionAbort},
	})
	if err != nil {
		// Decide only fails when the run's context is cut mid-wait.
		return c.terminate(r, RunInterrupted, domain.OutcomeInterrupted, "", blocker), true
	}

	if decision.Option == domain.OptionContinue {
		newMax := budget.Extend(decision.ExtraIterations)
		c.recordEvent(ctx, r.task.ID, "budget_extended", fmt.Sprintf(`{"new_max":%d}`, newMax))
		if err := r.transition(RunRunning); err != nil {
			return c.outcome(r, domain.OutcomeCancelled, "", blocker), true
		}
		return domain.Outcome{}, false
	}

	return c.terminate(r, RunExhausted, domain.OutcomeExhausted, "", blocker), true
}

// complete finishes the run as COMPLETED and, when the attempt count sits
// inside the reuse band, offers a draft knowledge artifact.
func (c *Controller) complete(ctx context.Context, r *run, final domain.VerdictKind, overridden bool) domain.Outcome {
	if err := r.transition(RunCompleted); err != nil {
		return c.outcome(r, domain.OutcomeCancelled, final, domain.Blocker{Reason: err.Error()})
	}
	c.recordEvent(ctx, r.task.ID, "run_completed", fmt.Sprintf(`{"attempts":%d,"verdict":%q}`, r.attempts, final))

	if c.Knowledge != nil && !overridden {
		tags := r.task.Tags
		if len(tags) == 0 {
			tags = []string{string(r.task.Type)}
		}
		_, _ = c.Knowledge.Offer(ctx, domain.KnowledgeArtifact{
			Tags:     tags,
			Problem:  r.task.Description,
			Solution: r.history.text(),
			Context:  fmt.Sprintf("task %s (%s), %d attempts", r.task.ID, r.task.Type, r.attempts),
		}, r.attempts, final)
	}

	out := c.outcome(r, domain.OutcomeCompleted, final, domain.Blocker{})
	out.Overridden = overridden
	return out
}

// terminate moves the run into a final state through the transition map and
// builds the matching outcome. An illegal transition surfaces as the
// blocker reason instead.
func (c *Controller) terminate(r *run, to RunState, kind domain.OutcomeKind, final domain.VerdictKind, blocker domain.Blocker) domain.Outcome {
	if err := r.transition(to); err != nil {
		return c.outcome(r, domain.OutcomeCancelled, final, domain.Blocker{Reason: err.Error()})
	}
	return c.outcome(r, kind, final, blocker)
}

func (c *Controller) outcome(r *run, kind domain.OutcomeKind, final domain.VerdictKind, blocker domain.Blocker) domain.Outcome {
	return domain.Outcome{
		Kind:         kind,
		Attempts:     r.attempts,
		FinalVerdict: final,
		Blocker:      blocker,
		History:      r.history.text(),
	}
}

// revert rolls the iteration's diff back out of the workspace.
func (c *Controller) revert(r *run, inverse domain.Diff) {
	if _, err := c.Workspace.Apply(inverse); err != nil {
		r.history.add(r.attempts, "revert failed: "+err.Error())
	}
}

// consult queries the knowledge cache for the task's tags and returns the
// rendered notes plus the consulted artifact ids.
func (c *Controller) consult(tags []string) (string, []string) {
	if c.Knowledge == nil || len(tags) == 0 {
		return "", nil
	}
	const maxConsulted = 3
	var ids, problems, solutions []string
	for _, a := range c.Knowledge.Query(tags) {
		if a.State != domain.ArtifactApproved {
			continue
		}
		ids = append(ids, a.ID)
		problems = append(problems, a.Problem)
		solutions = append(solutions, a.Solution)
		if len(ids) == maxConsulted {
			break
		}
	}
	return knowledgeNotes(problems, solutions), ids
}

// recordConsultations updates metrics for every artifact consulted by the
// current attempt.
func (c *Controller) recordConsultations(ctx context.Context, r *run, success bool) {
	if c.Knowledge == nil {
		return
	}
	impact := 0.0
	if success {
		impact = 1.0
	}
	for _, id := range r.consulted {
		_ = c.Knowledge.RecordConsultation(ctx, id, success, impact)
	}
}

// recordAttempt appends one row to the rolling attempt log.
func (c *Controller) recordAttempt(ctx context.Context, r *run, output string, verdict domain.Verdict) {
	if c.AttemptRepo == nil || c.DB == nil {
		return
	}
	const maxOutput = 4096
	if len(output) > maxOutput {
		output = output[:maxOutput]
	}
	_ = c.AttemptRepo.Append(ctx, c.DB, domain.Attempt{
		TaskID:        r.task.ID,
		Number:        r.attempts,
		Context:       r.history.text(),
		Output:        output,
		Verdict:       verdict.Kind,
		Reasons:       verdict.Reasons,
		CreatedAtUnix: time.Now().Unix(),
	})
}

func (c *Controller) recordEvent(ctx context.Context, taskID, eventType, payload string) {
	if c.EventRepo == nil || c.DB == nil {
		return
	}
	_ = c.EventRepo.Append(ctx, c.DB, domain.TaskEvent{
		TaskID:      taskID,
		EventType:   eventType,
		PayloadJSON: payload,
		CreatedAt:   time.Now().Unix(),
	})
}
