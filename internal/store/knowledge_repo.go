package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// KnowledgeRepo handles persistence for KnowledgeArtifact records.
type KnowledgeRepo struct{}

const artifactColumns = `artifact_id, tags_json, problem, solution, context,
consultations, successes, impact_score, last_consulted_unix, state, created_at_unix`

// Create inserts a new artifact.
func (r *KnowledgeRepo) Create(ctx context.Context, db *sql.DB, a domain.KnowledgeArtifact) error {
	const q = `INSERT INTO knowledge_artifacts (` + artifactColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		a.ID,
		mustJSON(a.Tags),
		a.Problem,
		a.Solution,
		a.Context,
		a.Consultations,
		a.Successes,
		a.ImpactScore,
		a.LastConsultedUnix,
		string(a.State),
		a.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

// UpdateMetrics writes the effectiveness counters for an artifact.
// Text fields and tags are deliberately not touched here.
func (r *KnowledgeRepo) UpdateMetrics(ctx context.Context, db *sql.DB, a domain.KnowledgeArtifact) error {
	const q = `UPDATE knowledge_artifacts SET
		consultations = ?, successes = ?, impact_score = ?, last_consulted_unix = ?
	WHERE artifact_id = ?`
	res, err := db.ExecContext(ctx, q, a.Consultations, a.Successes, a.ImpactScore, a.LastConsultedUnix, a.ID)
	if err != nil {
		return fmt.Errorf("update artifact metrics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrArtifactNotFound
	}
	return nil
}

// UpdateState moves an artifact between lifecycle states.
func (r *KnowledgeRepo) UpdateState(ctx context.Context, db *sql.DB, artifactID string, state domain.ArtifactState) error {
	const q = `UPDATE knowledge_artifacts SET state = ? WHERE artifact_id = ?`
	res, err := db.ExecContext(ctx, q, string(state), artifactID)
	if err != nil {
		return fmt.Errorf("update artifact state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrArtifactNotFound
	}
	return nil
}

// Delete removes a rejected draft.
func (r *KnowledgeRepo) Delete(ctx context.Context, db *sql.DB, artifactID string) error {
	const q = `DELETE FROM knowledge_artifacts WHERE artifact_id = ?`
	if _, err := db.ExecContext(ctx, q, artifactID); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// GetByID retrieves an artifact by its ID.
func (r *KnowledgeRepo) GetByID(ctx context.Context, db *sql.DB, artifactID string) (*domain.KnowledgeArtifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM knowledge_artifacts WHERE artifact_id = ?`

	row := db.QueryRowContext(ctx, q, artifactID)
	a, err := scanArtifact(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListAll returns every artifact, oldest first.
func (r *KnowledgeRepo) ListAll(ctx context.Context, db *sql.DB) ([]domain.KnowledgeArtifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM knowledge_artifacts ORDER BY created_at_unix ASC, artifact_id ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.KnowledgeArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(s scanner) (*domain.KnowledgeArtifact, error) {
	var a domain.KnowledgeArtifact
	var tagsJSON, state string
	err := s.Scan(&a.ID, &tagsJSON, &a.Problem, &a.Solution, &a.Context,
		&a.Consultations, &a.Successes, &a.ImpactScore, &a.LastConsultedUnix, &state, &a.CreatedAtUnix)
	if err != nil {
		return nil, err
	}
	a.State = domain.ArtifactState(state)
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &a, nil
}
