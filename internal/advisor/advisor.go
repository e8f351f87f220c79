// Package advisor decides whether an oversized task may proceed unchanged
// or must be routed through a human decision before dispatch.
package advisor

import (
	"fmt"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// KnowledgeSource is the slice of the knowledge cache the advisor reads.
type KnowledgeSource interface {
	Query(tags []string) []domain.KnowledgeArtifact
}

// Weights tunes the confidence score components.
type Weights struct {
	PatternMatch      float64
	Alignment         float64
	HistoricalSuccess float64
}

// Advisor scores tasks whose estimated footprint exceeds the escalation
// threshold. A score at or above AutoThreshold lets the task proceed
// without human involvement.
type Advisor struct {
	FootprintLimit int
	AutoThreshold  float64
	Weights        Weights
	Knowledge      KnowledgeSource
}

// New creates an Advisor.
func New(footprintLimit int, autoThreshold float64, w Weights, knowledge KnowledgeSource) *Advisor {
	return &Advisor{
		FootprintLimit: footprintLimit,
		AutoThreshold:  autoThreshold,
		Weights:        w,
		Knowledge:      knowledge,
	}
}

// NeedsReview reports whether a task must pass through the advisory step
// before any worker attempt occurs.
func (a *Advisor) NeedsReview(task domain.Task) bool {
	return task.EstimatedFootprint > a.FootprintLimit && !task.Advised
}

// Evaluate scores the task. ScopeProceed means the advisor is confident
// enough to let the task run unchanged; ScopeEscalate means a human must
// choose between proceed, split, and escalate.
func (a *Advisor) Evaluate(task domain.Task) domain.ScopeAdvice {
	pattern, history := a.knowledgeSignals(task.Tags)
	alignment := a.alignment(task.EstimatedFootprint)

	confidence := clamp01(a.Weights.PatternMatch*pattern +
		a.Weights.Alignment*alignment +
		a.Weights.HistoricalSuccess*history)

	reasons := []string{
		fmt.Sprintf("footprint %d exceeds threshold %d", task.EstimatedFootprint, a.FootprintLimit),
		fmt.Sprintf("pattern match %.2f, alignment %.2f, historical success %.2f", pattern, alignment, history),
		fmt.Sprintf("confidence %.2f against auto threshold %.2f", confidence, a.AutoThreshold),
	}

	action := domain.ScopeEscalate
	if confidence >= a.AutoThreshold {
		action = domain.ScopeProceed
	}
	return domain.ScopeAdvice{Action: action, Confidence: confidence, Reasons: reasons}
}

// knowledgeSignals derives the pattern-match and historical-success
// components from approved artifacts matching the task's tags.
func (a *Advisor) knowledgeSignals(tags []string) (pattern, history float64) {
	if a.Knowledge == nil || len(tags) == 0 {
		return 0, 0
	}

	var consultations, successes int64
	for _, artifact := range a.Knowledge.Query(tags) {
		if artifact.State != domain.ArtifactApproved {
			continue
		}
		if artifact.ImpactScore > pattern {
			pattern = artifact.ImpactScore
		}
		consultations += artifact.Consultations
		successes += artifact.Successes
	}
	if consultations > 0 {
		history = float64(successes) / float64(consultations)
	}
	return pattern, history
}

// alignment shrinks as the footprint overshoots the threshold: a task just
// over the line scores near 1, a sprawling one near 0.
func (a *Advisor) alignment(footprint int) float64 {
	if footprint <= 0 || a.FootprintLimit <= 0 {
		return 0
	}
	return clamp01(float64(a.FootprintLimit) / float64(footprint))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
