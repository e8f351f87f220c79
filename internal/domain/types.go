// Package domain defines the core types for the Crucible Engine.
package domain

// TaskType classifies the kind of work a task represents.
type TaskType string

const (
	TaskDefectFix     TaskType = "defect-fix"
	TaskFeature       TaskType = "feature"
	TaskQuality       TaskType = "quality"
	TaskTestAuthoring TaskType = "test-authoring"
)

// Priority orders tasks for dispatch. Lower values dispatch first.
type Priority int

const (
	PriorityP0 Priority = iota
	PriorityP1
	PriorityP2
	PriorityP3
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
	TaskExhausted  TaskStatus = "exhausted"
	TaskSuperseded TaskStatus = "superseded"
)

// Terminal reports whether a status admits no further transitions.
// Blocked and exhausted tasks are not terminal: an operator may retry them.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskSuperseded:
		return true
	}
	return false
}

// Blocker records why a task stopped and the evidence behind it.
type Blocker struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence"`
}

// Task is a bounded, retryable unit of work.
type Task struct {
	ID                 string     `json:"id"`
	Type               TaskType   `json:"type"`
	Priority           Priority   `json:"priority"`
	DependsOn          []string   `json:"depends_on"`
	Status             TaskStatus `json:"status"`
	WorkerType         string     `json:"worker_type"`
	MaxIterations      int        `json:"max_iterations"`
	Description        string     `json:"description"`
	Tags               []string   `json:"tags"`
	EstimatedFootprint int        `json:"estimated_footprint"`
	Blocker            Blocker    `json:"blocker"`
	AttemptHistory     string     `json:"attempt_history"`
	Advised            bool       `json:"advised"`
	StateVersion       int64      `json:"state_version"`
	CreatedAtUnix      int64      `json:"created_at_unix"`
	TerminalAtUnix     int64      `json:"terminal_at_unix"`
}

// VerdictKind classifies the result of one attempt.
type VerdictKind string

const (
	VerdictPass            VerdictKind = "pass"
	VerdictFailRegression  VerdictKind = "fail_regression"
	VerdictFailPreexisting VerdictKind = "fail_preexisting"
	VerdictBlocked         VerdictKind = "blocked"
)

// Verdict is produced fresh for each attempt and never mutated.
type Verdict struct {
	Kind         VerdictKind `json:"kind"`
	Reasons      []string    `json:"reasons"`
	Fingerprints []string    `json:"fingerprints"`
}

// CheckStatus is the status of a single verification check.
type CheckStatus string

const (
	CheckPass      CheckStatus = "pass"
	CheckFail      CheckStatus = "fail"
	CheckViolation CheckStatus = "violation"
)

// CheckResult is one finding produced by a verification check.
type CheckResult struct {
	Check    string      `json:"check"`
	Status   CheckStatus `json:"status"`
	Location string      `json:"location"`
	Message  string      `json:"message"`
}

// FileChange is one file-level change in an attempt's diff.
// Content is the full new file body; Delete removes the file instead.
type FileChange struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Delete  bool   `json:"delete"`
}

// Diff is the set of file changes produced by one attempt.
type Diff []FileChange

// Attempt records one execution of a task by the iteration controller.
type Attempt struct {
	ID            int64       `json:"id"`
	TaskID        string      `json:"task_id"`
	Number        int         `json:"number"`
	Context       string      `json:"context"`
	Output        string      `json:"output"`
	Verdict       VerdictKind `json:"verdict"`
	Reasons       []string    `json:"reasons"`
	CreatedAtUnix int64       `json:"created_at_unix"`
}

// OutcomeKind is the terminal result of one controller run.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeBlocked   OutcomeKind = "blocked"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeExhausted OutcomeKind = "exhausted"
	// OutcomeInterrupted means the run's context was cut before it reached a
	// terminal result. The scheduler decides whether that was an operator
	// cancellation or an engine shutdown; only the former is terminal.
	OutcomeInterrupted OutcomeKind = "interrupted"
)

// Outcome is what a controller run reports back to the scheduler.
type Outcome struct {
	Kind         OutcomeKind `json:"kind"`
	Attempts     int         `json:"attempts"`
	FinalVerdict VerdictKind `json:"final_verdict"`
	Blocker      Blocker     `json:"blocker"`
	Overridden   bool        `json:"overridden"`
	History      string      `json:"history"`
}

// ArtifactState is the lifecycle state of a knowledge artifact.
type ArtifactState string

const (
	ArtifactDraft    ArtifactState = "draft"
	ArtifactApproved ArtifactState = "approved"
)

// KnowledgeArtifact is a stored, taggable problem/solution record with
// effectiveness metrics. Immutable once approved except for metric updates.
type KnowledgeArtifact struct {
	ID                string        `json:"id"`
	Tags              []string      `json:"tags"`
	Problem           string        `json:"problem"`
	Solution          string        `json:"solution"`
	Context           string        `json:"context"`
	Consultations     int64         `json:"consultations"`
	Successes         int64         `json:"successes"`
	ImpactScore       float64       `json:"impact_score"`
	LastConsultedUnix int64         `json:"last_consulted_unix"`
	State             ArtifactState `json:"state"`
	CreatedAtUnix     int64         `json:"created_at_unix"`
}

// TaskEvent is one entry in a task's event log.
type TaskEvent struct {
	ID          int64  `json:"id"`
	TaskID      string `json:"task_id"`
	SeqNo       int64  `json:"seq_no"`
	EventType   string `json:"event_type"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   int64  `json:"created_at"`
}

// DecisionPoint identifies which suspension point is asking for a decision.
type DecisionPoint string

const (
	DecisionGuardrail DecisionPoint = "guardrail"
	DecisionBudget    DecisionPoint = "budget"
	DecisionScope     DecisionPoint = "scope"
)

// DecisionOption is one choice a human can make at a suspension point.
type DecisionOption string

const (
	OptionRevert   DecisionOption = "revert"
	OptionOverride DecisionOption = "override"
	OptionAbort    DecisionOption = "abort"
	OptionContinue DecisionOption = "continue"
	OptionProceed  DecisionOption = "proceed"
	OptionSplit    DecisionOption = "split"
	OptionEscalate DecisionOption = "escalate"
)

// DecisionRequest is presented to the human decision interface. Options
// enumerate exactly the legal choices for the suspension point.
type DecisionRequest struct {
	ID       string           `json:"id"`
	TaskID   string           `json:"task_id"`
	Point    DecisionPoint    `json:"point"`
	Reason   string           `json:"reason"`
	Evidence string           `json:"evidence"`
	Options  []DecisionOption `json:"options"`
}

// Decision is the resolution of a DecisionRequest.
type Decision struct {
	Option          DecisionOption `json:"option"`
	ExtraIterations int            `json:"extra_iterations"`
	SplitInto       []Task         `json:"split_into"`
}

// ScopeAction is the advisory routing outcome for an oversized task.
type ScopeAction string

const (
	ScopeProceed  ScopeAction = "proceed"
	ScopeSplit    ScopeAction = "split"
	ScopeEscalate ScopeAction = "escalate"
)

// ScopeAdvice is the advisor's recommendation for a task whose estimated
// footprint exceeds the escalation threshold.
type ScopeAdvice struct {
	Action     ScopeAction `json:"action"`
	Confidence float64     `json:"confidence"`
	Reasons    []string    `json:"reasons"`
}
