// Package backend invokes the external worker that performs one task
// attempt. Every attempt runs in a fresh process with only the request
// payload as input, so no state leaks between iterations.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/anthropics/crucible-engine/internal/config"
	"github.com/anthropics/crucible-engine/internal/domain"
)

// Request carries everything a worker is allowed to see for one attempt:
// the task description, the textual record of this task's prior attempts,
// and any consulted knowledge. Nothing else crosses the boundary.
type Request struct {
	TaskID         string `json:"task_id"`
	WorkerType     string `json:"worker_type"`
	Description    string `json:"description"`
	PriorAttempts  string `json:"prior_attempts"`
	KnowledgeNotes string `json:"knowledge_notes"`
	WorkspaceRoot  string `json:"workspace_root"`
	Attempt        int    `json:"attempt"`
}

// Result is what one attempt produced: a proposed diff and the worker's
// textual output (scanned for the completion marker).
type Result struct {
	Diff   domain.Diff
	Output string
}

// Backend performs one isolated task attempt. Implementations must be safe
// to invoke repeatedly; a failed invocation surfaces as an error which the
// controller records as a failed attempt.
type Backend interface {
	Attempt(ctx context.Context, req Request) (Result, error)
}

// wireFile is the JSON shape workers emit for one file change.
type wireFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete"`
}

// wireResult is the JSON document a worker process writes to stdout.
type wireResult struct {
	Files  []wireFile `json:"files"`
	Output string     `json:"output"`
}

// ProcessBackend spawns a configured command per attempt. The request is
// written to the worker's stdin as JSON; the worker replies on stdout.
type ProcessBackend struct {
	Workers map[string]config.WorkerCommand
}

// NewProcessBackend creates a ProcessBackend over the configured workers.
func NewProcessBackend(workers map[string]config.WorkerCommand) *ProcessBackend {
	return &ProcessBackend{Workers: workers}
}

// Attempt launches a fresh worker process and decodes its result.
func (b *ProcessBackend) Attempt(ctx context.Context, req Request) (Result, error) {
	wc, ok := b.Workers[req.WorkerType]
	if !ok {
		return Result{}, domain.WrapEngineError(domain.ErrWorkerUnavailable.Code, req.WorkerType, nil)
	}

	if wc.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(wc.TimeoutSec)*time.Second)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode attempt request: %w", err)
	}

	cmd := exec.CommandContext(ctx, wc.Command, wc.Args...)
	cmd.Dir = req.WorkspaceRoot
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = mergeEnv(os.Environ(), wc.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("worker %s: %w: %s", req.WorkerType, err, stderr.String())
	}

	return decodeResult(stdout.Bytes())
}

// decodeResult parses the worker's stdout document into a Result.
func decodeResult(data []byte) (Result, error) {
	var wire wireResult
	if err := json.Unmarshal(data, &wire); err != nil {
		return Result{}, fmt.Errorf("decode worker result: %w", err)
	}

	diff := make(domain.Diff, 0, len(wire.Files))
	for _, f := range wire.Files {
		if f.Path == "" {
			return Result{}, fmt.Errorf("decode worker result: file change with empty path")
		}
		diff = append(diff, domain.FileChange{
			Path:    f.Path,
			Content: []byte(f.Content),
			Delete:  f.Delete,
		})
	}
	return Result{Diff: diff, Output: wire.Output}, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := append([]string(nil), base...)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}
