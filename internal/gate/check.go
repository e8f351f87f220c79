// Package gate classifies the outcome of a task attempt by running a fixed
// list of verification checks against the workspace and comparing failure
// fingerprints against a baseline snapshot.
package gate

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/workspace"
)

// Check is one independent verification step registered with the gate.
type Check interface {
	Name() string
	Run(ctx context.Context, ws workspace.Workspace) ([]domain.CheckResult, error)
}

// Rule is one declarative guardrail: a named pattern with a severity class.
// Rules are data; the controller never embeds pattern logic.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity domain.CheckStatus // CheckFail or CheckViolation
}

// CompileRule builds a Rule from its textual form.
func CompileRule(name, pattern string, severity domain.CheckStatus) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, domain.WrapEngineError(domain.ErrInvalidRule.Code,
			fmt.Sprintf("rule %q", name), err)
	}
	if severity != domain.CheckFail && severity != domain.CheckViolation {
		return Rule{}, domain.NewEngineError(domain.ErrInvalidRule.Code,
			fmt.Sprintf("rule %q: severity must be fail or violation", name))
	}
	return Rule{Name: name, Pattern: re, Severity: severity}, nil
}

// RuleCheck scans workspace file contents against a declarative rule set.
type RuleCheck struct {
	CheckName string
	Rules     []Rule
}

// Name returns the check name.
func (c *RuleCheck) Name() string {
	return c.CheckName
}

// Run matches every rule against every file, line by line. Each match yields
// one result with the rule's severity.
func (c *RuleCheck) Run(ctx context.Context, ws workspace.Workspace) ([]domain.CheckResult, error) {
	files, err := ws.Files()
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	var results []domain.CheckResult
	for path, content := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines := strings.Split(string(content), "\n")
		for i, line := range lines {
			for _, rule := range c.Rules {
				if rule.Pattern.MatchString(line) {
					results = append(results, domain.CheckResult{
						Check:    c.CheckName,
						Status:   rule.Severity,
						Location: fmt.Sprintf("%s:%d", path, i+1),
						Message:  fmt.Sprintf("%s: %s", rule.Name, strings.TrimSpace(line)),
					})
				}
			}
		}
	}
	return results, nil
}

// CommandCheck runs an external tool in the workspace root. Exit code 0 is a
// pass; exit code 1 reports failures, one per output line formatted as
// "location: message". Any other failure to run means the tooling is
// unavailable, which the gate treats as blocking.
type CommandCheck struct {
	CheckName string
	Command   string
	Args      []string
}

// Name returns the check name.
func (c *CommandCheck) Name() string {
	return c.CheckName
}

// Run executes the check command and parses its findings.
func (c *CommandCheck) Run(ctx context.Context, ws workspace.Workspace) ([]domain.CheckResult, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = ws.Root()

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		return nil, domain.WrapEngineError(domain.ErrCheckUnavailable.Code, c.CheckName, err)
	}

	var results []domain.CheckResult
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		location, message := line, line
		if idx := strings.Index(line, ": "); idx > 0 {
			location = line[:idx]
			message = line[idx+2:]
		}
		results = append(results, domain.CheckResult{
			Check:    c.CheckName,
			Status:   domain.CheckFail,
			Location: location,
			Message:  message,
		})
	}
	if len(results) == 0 {
		results = append(results, domain.CheckResult{
			Check:   c.CheckName,
			Status:  domain.CheckFail,
			Message: "check failed with no reported findings",
		})
	}
	return results, nil
}
