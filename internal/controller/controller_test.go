package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/anthropics/crucible-engine/internal/backend"
	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/gate"
	"github.com/anthropics/crucible-engine/internal/knowledge"
	"github.com/anthropics/crucible-engine/internal/store"
	"github.com/anthropics/crucible-engine/internal/workspace"
)

const testMarker = "TASK_COMPLETE"

// scriptedBackend replays a fixed sequence of attempt results and records
// the requests it saw.
type scriptedBackend struct {
	steps    []func() (backend.Result, error)
	requests []backend.Request
}

func (b *scriptedBackend) Attempt(ctx context.Context, req backend.Request) (backend.Result, error) {
	b.requests = append(b.requests, req)
	if len(b.steps) == 0 {
		return backend.Result{}, errors.New("scripted backend exhausted")
	}
	step := b.steps[0]
	b.steps = b.steps[1:]
	return step()
}

func resultStep(diff domain.Diff, output string) func() (backend.Result, error) {
	return func() (backend.Result, error) {
		return backend.Result{Diff: diff, Output: output}, nil
	}
}

func errorStep(msg string) func() (backend.Result, error) {
	return func() (backend.Result, error) {
		return backend.Result{}, errors.New(msg)
	}
}

// scriptedDecider replays fixed decisions and records the requests.
type scriptedDecider struct {
	decisions []domain.Decision
	requests  []domain.DecisionRequest
}

func (d *scriptedDecider) Decide(ctx context.Context, req domain.DecisionRequest) (domain.Decision, error) {
	d.requests = append(d.requests, req)
	if len(d.decisions) == 0 {
		return domain.Decision{}, errors.New("scripted decider exhausted")
	}
	dec := d.decisions[0]
	d.decisions = d.decisions[1:]
	return dec, nil
}

// newTestGate builds a gate whose verdict depends only on file contents:
// lines containing BUG fail, lines containing SECRET violate a guardrail.
func newTestGate() *gate.Gate {
	return gate.New(&gate.RuleCheck{
		CheckName: "rules",
		Rules: []gate.Rule{
			{Name: "no-bug", Pattern: regexp.MustCompile(`BUG`), Severity: domain.CheckFail},
			{Name: "no-secret", Pattern: regexp.MustCompile(`SECRET`), Severity: domain.CheckViolation},
		},
	})
}

func newTestController(t *testing.T, b backend.Backend, d Decider) (*Controller, workspace.Workspace) {
	t.Helper()
	ws := workspace.NewDir(t.TempDir())
	return &Controller{
		Gate:             newTestGate(),
		Backend:          b,
		Workspace:        ws,
		Decider:          d,
		Marker:           testMarker,
		ExtensionDefault: 3,
	}, ws
}

func testTask(max int) domain.Task {
	return domain.Task{
		ID:            "task-1",
		Type:          domain.TaskDefectFix,
		WorkerType:    "default",
		MaxIterations: max,
		Description:   "fix the widget",
		Tags:          []string{"widget"},
	}
}

func change(path, content string) domain.Diff {
	return domain.Diff{{Path: path, Content: []byte(content)}}
}

func readFile(t *testing.T, ws workspace.Workspace, path string) (string, bool) {
	t.Helper()
	files, err := ws.Files()
	if err != nil {
		t.Fatalf("Files() error: %v", err)
	}
	content, ok := files[path]
	return string(content), ok
}

func TestRun_FirstAttemptPassCompletes(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("main.go", "package main\n"), "done "+testMarker),
	}}
	c, ws := newTestController(t, b, &scriptedDecider{})

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed (blocker: %+v)", out.Kind, out.Blocker)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if out.FinalVerdict != domain.VerdictPass {
		t.Errorf("FinalVerdict = %q, want pass", out.FinalVerdict)
	}
	if _, ok := readFile(t, ws, "main.go"); !ok {
		t.Error("passing diff was not committed to the workspace")
	}
}

func TestRun_RegressionRevertedAndRetried(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("main.go", "has a BUG\n"), "oops"),
		resultStep(change("main.go", "clean now\n"), "done"),
	}}
	c, ws := newTestController(t, b, &scriptedDecider{})

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
	if content, _ := readFile(t, ws, "main.go"); strings.Contains(content, "BUG") {
		t.Errorf("regression diff survived the revert: %q", content)
	}
	// The second attempt must see the first attempt's failure in its context.
	if len(b.requests) != 2 {
		t.Fatalf("backend called %d times, want 2", len(b.requests))
	}
	if !strings.Contains(b.requests[1].PriorAttempts, "regression") {
		t.Errorf("second attempt context missing first failure: %q", b.requests[1].PriorAttempts)
	}
	if b.requests[0].PriorAttempts != "" {
		t.Errorf("first attempt should start with empty history, got %q", b.requests[0].PriorAttempts)
	}
}

func TestRun_BudgetExhaustionAbort(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("main.go", "BUG one\n"), ""),
		resultStep(change("main.go", "BUG two\n"), ""),
	}}
	d := &scriptedDecider{decisions: []domain.Decision{{Option: domain.OptionAbort}}}
	c, _ := newTestController(t, b, d)

	out := c.Run(context.Background(), testTask(2), nil)

	if out.Kind != domain.OutcomeExhausted {
		t.Fatalf("Kind = %q, want exhausted", out.Kind)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
	if len(d.requests) != 1 {
		t.Fatalf("decider asked %d times, want 1", len(d.requests))
	}
	req := d.requests[0]
	if req.Point != domain.DecisionBudget {
		t.Errorf("decision point = %q, want budget", req.Point)
	}
	want := []domain.DecisionOption{domain.OptionContinue, domain.OptionAbort}
	if len(req.Options) != len(want) || req.Options[0] != want[0] || req.Options[1] != want[1] {
		t.Errorf("options = %v, want %v", req.Options, want)
	}
}

func TestRun_BudgetExtensionContinues(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("main.go", "BUG\n"), ""),
		resultStep(change("main.go", "clean\n"), ""),
	}}
	d := &scriptedDecider{decisions: []domain.Decision{
		{Option: domain.OptionContinue, ExtraIterations: 1},
	}}
	c, _ := newTestController(t, b, d)

	out := c.Run(context.Background(), testTask(1), nil)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed after extension", out.Kind)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
}

func TestRun_PreexistingFailureCompletes(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("feature.go", "new feature\n"), ""),
	}}
	c, ws := newTestController(t, b, &scriptedDecider{})

	// The workspace starts with a known failure; it goes into the baseline.
	if err := os.WriteFile(filepath.Join(ws.Root(), "legacy.go"), []byte("old BUG\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	baseline, err := c.Gate.Snapshot(context.Background(), ws)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	out := c.Run(context.Background(), testTask(5), baseline)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	if out.FinalVerdict != domain.VerdictFailPreexisting {
		t.Errorf("FinalVerdict = %q, want fail_preexisting", out.FinalVerdict)
	}
	if _, ok := readFile(t, ws, "feature.go"); !ok {
		t.Error("attempt's diff was not committed")
	}
}

func TestRun_CompletionClaimMustClearGate(t *testing.T) {
	// The worker claims completion while a pre-existing failure remains.
	// The claim is rejected; the next attempt removes the failure and passes.
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("feature.go", "new feature\n"), "all good "+testMarker),
		resultStep(domain.Diff{
			{Path: "legacy.go", Delete: true},
			{Path: "feature.go", Content: []byte("new feature\n")},
		}, "really done "+testMarker),
	}}
	c, ws := newTestController(t, b, &scriptedDecider{})

	if err := os.WriteFile(filepath.Join(ws.Root(), "legacy.go"), []byte("old BUG\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	baseline, err := c.Gate.Snapshot(context.Background(), ws)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	out := c.Run(context.Background(), testTask(5), baseline)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (claim rejected once)", out.Attempts)
	}
	if out.FinalVerdict != domain.VerdictPass {
		t.Errorf("FinalVerdict = %q, want pass", out.FinalVerdict)
	}
	if !strings.Contains(out.History, "completion claim not verified") {
		t.Errorf("history missing rejected claim: %q", out.History)
	}
}

func TestRun_GuardrailRevert(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("config.go", "key = SECRET\n"), ""),
	}}
	d := &scriptedDecider{decisions: []domain.Decision{{Option: domain.OptionRevert}}}
	c, ws := newTestController(t, b, d)

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeBlocked {
		t.Fatalf("Kind = %q, want blocked", out.Kind)
	}
	if out.Blocker.Reason != "guardrail violation" {
		t.Errorf("Blocker.Reason = %q", out.Blocker.Reason)
	}
	if !strings.Contains(out.Blocker.Evidence, "no-secret") {
		t.Errorf("Blocker.Evidence = %q, want the violated rule", out.Blocker.Evidence)
	}
	if _, ok := readFile(t, ws, "config.go"); ok {
		t.Error("violating diff survived the revert")
	}
	if len(d.requests) != 1 || d.requests[0].Point != domain.DecisionGuardrail {
		t.Fatalf("decider requests = %+v, want one guardrail request", d.requests)
	}
}

func TestRun_GuardrailOverride(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("config.go", "key = SECRET\n"), ""),
	}}
	d := &scriptedDecider{decisions: []domain.Decision{{Option: domain.OptionOverride}}}
	c, ws := newTestController(t, b, d)

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	if !out.Overridden {
		t.Error("Overridden = false, want true")
	}
	if content, ok := readFile(t, ws, "config.go"); !ok || !strings.Contains(content, "SECRET") {
		t.Error("override did not commit the diff")
	}
}

func TestRun_GuardrailAbort(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("config.go", "key = SECRET\n"), ""),
	}}
	d := &scriptedDecider{decisions: []domain.Decision{{Option: domain.OptionAbort}}}
	c, _ := newTestController(t, b, d)

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeCancelled {
		t.Fatalf("Kind = %q, want cancelled", out.Kind)
	}
}

func TestRun_CutContextInterruptsBeforeFirstAttempt(t *testing.T) {
	b := &scriptedBackend{}
	c, _ := newTestController(t, b, &scriptedDecider{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := c.Run(ctx, testTask(5), nil)

	// The controller cannot tell an operator cancel from a shutdown; it
	// reports interrupted and leaves that call to the scheduler.
	if out.Kind != domain.OutcomeInterrupted {
		t.Fatalf("Kind = %q, want interrupted", out.Kind)
	}
	if out.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", out.Attempts)
	}
	if len(b.requests) != 0 {
		t.Errorf("backend invoked %d times after the context was cut", len(b.requests))
	}
}

func TestRun_CutContextInterruptsGuardrailDecision(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("config.go", "key = SECRET\n"), ""),
	}}
	// An empty script makes Decide fail, as it does when the context is cut
	// while a decision is pending.
	d := &scriptedDecider{}
	c, ws := newTestController(t, b, d)

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeInterrupted {
		t.Fatalf("Kind = %q, want interrupted", out.Kind)
	}
	if out.Blocker.Reason != "guardrail violation" {
		t.Errorf("Blocker.Reason = %q, want the pending guardrail context", out.Blocker.Reason)
	}
	if _, ok := readFile(t, ws, "config.go"); ok {
		t.Error("violating diff survived the interrupted run")
	}
}

func TestRun_WorkerErrorIsFailedAttempt(t *testing.T) {
	b := &scriptedBackend{steps: []func() (backend.Result, error){
		errorStep("worker crashed"),
		resultStep(change("main.go", "clean\n"), ""),
	}}
	c, _ := newTestController(t, b, &scriptedDecider{})

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
	if !strings.Contains(out.History, "worker failed") {
		t.Errorf("history missing worker failure: %q", out.History)
	}
}

func TestRun_KnowledgeOfferedInsideReuseBand(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache, err := knowledge.NewCache(db, knowledge.ReuseBand{Min: 2, Max: 10})
	if err != nil {
		t.Fatalf("NewCache() error: %v", err)
	}

	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("main.go", "BUG\n"), ""),
		resultStep(change("main.go", "clean\n"), ""),
	}}
	c, _ := newTestController(t, b, &scriptedDecider{})
	c.Knowledge = cache

	out := c.Run(context.Background(), testTask(5), nil)

	if out.Kind != domain.OutcomeCompleted || out.Attempts != 2 {
		t.Fatalf("outcome = %+v, want completed in 2 attempts", out)
	}

	artifacts := cache.List()
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1 (2 attempts is inside the band)", len(artifacts))
	}
	if artifacts[0].State != domain.ArtifactApproved {
		t.Errorf("State = %q, want approved (final verdict was pass)", artifacts[0].State)
	}
	if artifacts[0].Tags[0] != "widget" {
		t.Errorf("Tags = %v, want the task's tags", artifacts[0].Tags)
	}
}

func TestRun_KnowledgeNotOfferedBelowBand(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache, err := knowledge.NewCache(db, knowledge.ReuseBand{Min: 2, Max: 10})
	if err != nil {
		t.Fatalf("NewCache() error: %v", err)
	}

	b := &scriptedBackend{steps: []func() (backend.Result, error){
		resultStep(change("main.go", "clean\n"), ""),
	}}
	c, _ := newTestController(t, b, &scriptedDecider{})
	c.Knowledge = cache

	out := c.Run(context.Background(), testTask(5), nil)
	if out.Kind != domain.OutcomeCompleted || out.Attempts != 1 {
		t.Fatalf("outcome = %+v, want completed in 1 attempt", out)
	}
	if got := len(cache.List()); got != 0 {
		t.Errorf("artifacts = %d, want 0 (first-try wins are not indexed)", got)
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(3, 2)
	if b.Exhausted(2) {
		t.Error("Exhausted(2) with max 3 = true")
	}
	if !b.Exhausted(3) {
		t.Error("Exhausted(3) with max 3 = false")
	}
	if got := b.Extend(0); got != 5 {
		t.Errorf("Extend(0) = %d, want 5 (default extension)", got)
	}
	if got := b.Extend(4); got != 9 {
		t.Errorf("Extend(4) = %d, want 9", got)
	}
}

func TestAttemptHistory_Trim(t *testing.T) {
	h := newAttemptHistory("")
	for i := 1; i <= maxHistoryEntries+5; i++ {
		h.add(i, "summary")
	}
	lines := strings.Split(h.text(), "\n")
	if len(lines) != maxHistoryEntries {
		t.Fatalf("history holds %d entries, want %d", len(lines), maxHistoryEntries)
	}
	if !strings.HasPrefix(lines[0], "attempt 6:") {
		t.Errorf("oldest retained entry = %q, want attempt 6", lines[0])
	}
}

func TestIsValidTransition(t *testing.T) {
	if !IsValidTransition(RunRunning, RunAwaitingHuman) {
		t.Error("running -> awaiting_human should be legal")
	}
	if IsValidTransition(RunCompleted, RunRunning) {
		t.Error("completed -> running should be illegal")
	}
	if IsValidTransition(RunRunning, RunExhausted) {
		t.Error("running -> exhausted must pass through awaiting_human")
	}
	if !IsValidTransition(RunRunning, RunInterrupted) {
		t.Error("running -> interrupted should be legal")
	}
	if !IsValidTransition(RunAwaitingHuman, RunInterrupted) {
		t.Error("awaiting_human -> interrupted should be legal")
	}
	if IsValidTransition(RunInterrupted, RunRunning) {
		t.Error("interrupted -> running should be illegal")
	}
}
