package gate

import (
	"context"
	"fmt"

	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/workspace"
)

// Gate runs a fixed, configured list of independent checks and aggregates
// their findings into a single verdict per attempt.
type Gate struct {
	checks []Check
}

// New creates a Gate over the given checks.
func New(checks ...Check) *Gate {
	return &Gate{checks: checks}
}

// Register appends a check to the gate's list.
func (g *Gate) Register(c Check) {
	g.checks = append(g.checks, c)
}

// Snapshot runs every check and captures the fingerprints of all current
// failures. This is the only way a baseline is produced or refreshed; Verify
// never updates one implicitly. A check that cannot run fails the snapshot,
// since a baseline with holes would misclassify regressions later.
func (g *Gate) Snapshot(ctx context.Context, ws workspace.Workspace) (*Baseline, error) {
	if len(g.checks) == 0 {
		return nil, domain.ErrNoChecks
	}

	var fingerprints []string
	for _, check := range g.checks {
		results, err := check.Run(ctx, ws)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrCheckUnavailable.Code,
				fmt.Sprintf("snapshot: check %s", check.Name()), err)
		}
		for _, res := range results {
			if res.Status == domain.CheckFail {
				fingerprints = append(fingerprints, Fingerprint(res))
			}
		}
	}
	return NewBaseline(fingerprints), nil
}

// Verify classifies the current workspace state against the baseline.
//
// Aggregation precedence, highest first:
//   - any violation, or any check that cannot run -> BLOCKED
//   - any failure whose fingerprint is not in the baseline -> FAIL(regression)
//   - any failure present in the baseline -> FAIL(pre-existing)
//   - otherwise -> PASS
//
// Verify is a pure function of workspace state: it has no side effects and
// never mutates the baseline.
func (g *Gate) Verify(ctx context.Context, ws workspace.Workspace, baseline *Baseline) domain.Verdict {
	if len(g.checks) == 0 {
		return domain.Verdict{
			Kind:    domain.VerdictBlocked,
			Reasons: []string{"gate unavailable: no checks registered"},
		}
	}

	var (
		violations  []string
		regressions []string
		preexisting []string
		regFps      []string
		preFps      []string
	)

	for _, check := range g.checks {
		results, err := check.Run(ctx, ws)
		if err != nil {
			// A check that cannot run is never silently skipped.
			return domain.Verdict{
				Kind:    domain.VerdictBlocked,
				Reasons: []string{fmt.Sprintf("gate unavailable: %s: %v", check.Name(), err)},
			}
		}

		for _, res := range results {
			switch res.Status {
			case domain.CheckViolation:
				violations = append(violations, describe(res))
			case domain.CheckFail:
				fp := Fingerprint(res)
				if baseline.Has(fp) {
					preexisting = append(preexisting, describe(res))
					preFps = append(preFps, fp)
				} else {
					regressions = append(regressions, describe(res))
					regFps = append(regFps, fp)
				}
			}
		}
	}

	switch {
	case len(violations) > 0:
		return domain.Verdict{Kind: domain.VerdictBlocked, Reasons: violations}
	case len(regressions) > 0:
		return domain.Verdict{Kind: domain.VerdictFailRegression, Reasons: regressions, Fingerprints: regFps}
	case len(preexisting) > 0:
		return domain.Verdict{Kind: domain.VerdictFailPreexisting, Reasons: preexisting, Fingerprints: preFps}
	default:
		return domain.Verdict{Kind: domain.VerdictPass}
	}
}

func describe(res domain.CheckResult) string {
	if res.Location == "" {
		return fmt.Sprintf("%s: %s", res.Check, res.Message)
	}
	return fmt.Sprintf("%s: %s: %s", res.Check, res.Location, res.Message)
}
