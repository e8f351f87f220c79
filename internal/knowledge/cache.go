// Package knowledge stores reusable problem/solution artifacts with
// effectiveness metrics and an effectiveness-weighted auto-approval policy.
package knowledge

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/store"
)

// ReuseBand bounds the attempt counts for which a completed task is worth
// indexing. Below the band the solution was too easy to be worth keeping,
// above it the solution is too unreliable.
type ReuseBand struct {
	Min int
	Max int
}

// Contains reports whether an attempt count falls inside the band.
func (b ReuseBand) Contains(attempts int) bool {
	return attempts >= b.Min && attempts <= b.Max
}

// Cache is the knowledge cache: an inverted tag index over persisted
// artifacts with a memoized query layer. Reads are safe concurrently;
// writes to a single artifact's metrics are serialized per artifact id.
type Cache struct {
	db   *sql.DB
	repo *store.KnowledgeRepo
	band ReuseBand

	mu        sync.RWMutex
	artifacts map[string]*domain.KnowledgeArtifact
	byTag     map[string][]string
	memo      map[string][]domain.KnowledgeArtifact

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCache loads all persisted artifacts and builds the tag index.
func NewCache(db *sql.DB, band ReuseBand) (*Cache, error) {
	c := &Cache{
		db:        db,
		repo:      &store.KnowledgeRepo{},
		band:      band,
		artifacts: make(map[string]*domain.KnowledgeArtifact),
		byTag:     make(map[string][]string),
		memo:      make(map[string][]domain.KnowledgeArtifact),
		locks:     make(map[string]*sync.Mutex),
	}

	existing, err := c.repo.ListAll(context.Background(), db)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		c.index(&existing[i])
	}
	return c, nil
}

// Query returns the union of artifacts carrying any of the queried tags,
// ranked by impact score descending, then consultation count descending.
// Repeated queries for the same tag set hit the memoized layer.
func (c *Cache) Query(tags []string) []domain.KnowledgeArtifact {
	key := memoKey(tags)

	c.mu.RLock()
	if cached, ok := c.memo[key]; ok {
		c.mu.RUnlock()
		return cloneArtifacts(cached)
	}
	c.mu.RUnlock()

	// Miss: recompute and memoize under the write lock so a concurrent
	// invalidation cannot be overwritten with stale results.
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.memo[key]; ok {
		return cloneArtifacts(cached)
	}

	seen := make(map[string]bool)
	var matched []domain.KnowledgeArtifact
	for _, tag := range tags {
		for _, id := range c.byTag[normalizeTag(tag)] {
			if seen[id] {
				continue
			}
			seen[id] = true
			matched = append(matched, *c.artifacts[id])
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].ImpactScore != matched[j].ImpactScore {
			return matched[i].ImpactScore > matched[j].ImpactScore
		}
		return matched[i].Consultations > matched[j].Consultations
	})

	c.memo[key] = matched
	return cloneArtifacts(matched)
}

// Propose creates a DRAFT artifact. The tag set must be non-empty.
func (c *Cache) Propose(ctx context.Context, a domain.KnowledgeArtifact) (*domain.KnowledgeArtifact, error) {
	if len(a.Tags) == 0 {
		return nil, domain.ErrArtifactNoTags
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.State = domain.ArtifactDraft
	if a.CreatedAtUnix == 0 {
		a.CreatedAtUnix = time.Now().Unix()
	}

	if err := c.repo.Create(ctx, c.db, a); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.index(&a)
	c.invalidateLocked()
	c.mu.Unlock()

	return &a, nil
}

// Offer proposes a DRAFT for a completed task and applies the auto-approval
// policy: promotion happens iff the final verdict was PASS and the attempt
// count fell inside the reuse band. Outside the band no artifact is created.
func (c *Cache) Offer(ctx context.Context, a domain.KnowledgeArtifact, attempts int, final domain.VerdictKind) (*domain.KnowledgeArtifact, error) {
	if !c.band.Contains(attempts) {
		return nil, nil
	}

	created, err := c.Propose(ctx, a)
	if err != nil {
		return nil, err
	}

	if final == domain.VerdictPass {
		if err := c.Approve(ctx, created.ID); err != nil {
			return nil, err
		}
		created.State = domain.ArtifactApproved
	}
	return created, nil
}

// RecordConsultation updates an artifact's effectiveness metrics. Updates to
// the same artifact are serialized; impact contributes to a running average.
func (c *Cache) RecordConsultation(ctx context.Context, id string, success bool, impact float64) error {
	if impact < 0 || impact > 1 {
		return domain.ErrInvalidImpact
	}

	lock := c.artifactLock(id)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	a, ok := c.artifacts[id]
	if !ok {
		c.mu.Unlock()
		return domain.ErrArtifactNotFound
	}
	a.ImpactScore = (a.ImpactScore*float64(a.Consultations) + impact) / float64(a.Consultations+1)
	a.Consultations++
	if success {
		a.Successes++
	}
	a.LastConsultedUnix = time.Now().Unix()
	updated := *a
	c.invalidateLocked()
	c.mu.Unlock()

	return c.repo.UpdateMetrics(ctx, c.db, updated)
}

// Approve promotes a DRAFT to APPROVED. Approved artifacts are immutable
// except for metric updates.
func (c *Cache) Approve(ctx context.Context, id string) error {
	lock := c.artifactLock(id)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	a, ok := c.artifacts[id]
	if !ok {
		c.mu.Unlock()
		return domain.ErrArtifactNotFound
	}
	if a.State != domain.ArtifactDraft {
		c.mu.Unlock()
		return domain.ErrArtifactNotDraft
	}
	a.State = domain.ArtifactApproved
	c.invalidateLocked()
	c.mu.Unlock()

	return c.repo.UpdateState(ctx, c.db, id, domain.ArtifactApproved)
}

// Reject removes a DRAFT from the cache and the store.
func (c *Cache) Reject(ctx context.Context, id string) error {
	lock := c.artifactLock(id)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	a, ok := c.artifacts[id]
	if !ok {
		c.mu.Unlock()
		return domain.ErrArtifactNotFound
	}
	if a.State != domain.ArtifactDraft {
		c.mu.Unlock()
		return domain.ErrArtifactNotDraft
	}
	c.unindex(a)
	c.invalidateLocked()
	c.mu.Unlock()

	return c.repo.Delete(ctx, c.db, id)
}

// Get returns a copy of one artifact.
func (c *Cache) Get(id string) (*domain.KnowledgeArtifact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[id]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

// List returns copies of all artifacts.
func (c *Cache) List() []domain.KnowledgeArtifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.KnowledgeArtifact, 0, len(c.artifacts))
	for _, a := range c.artifacts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUnix < out[j].CreatedAtUnix })
	return out
}

// index adds an artifact to the in-memory maps. Caller holds mu or is
// single-threaded (construction).
func (c *Cache) index(a *domain.KnowledgeArtifact) {
	c.artifacts[a.ID] = a
	for _, tag := range a.Tags {
		key := normalizeTag(tag)
		c.byTag[key] = append(c.byTag[key], a.ID)
	}
}

func (c *Cache) unindex(a *domain.KnowledgeArtifact) {
	delete(c.artifacts, a.ID)
	for _, tag := range a.Tags {
		key := normalizeTag(tag)
		ids := c.byTag[key]
		for i, id := range ids {
			if id == a.ID {
				c.byTag[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// invalidateLocked drops the memoized query layer. Caller holds mu.
func (c *Cache) invalidateLocked() {
	c.memo = make(map[string][]domain.KnowledgeArtifact)
}

func (c *Cache) artifactLock(id string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[id] = lock
	}
	return lock
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func memoKey(tags []string) string {
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized = append(normalized, normalizeTag(tag))
	}
	sort.Strings(normalized)
	return strings.Join(normalized, "\x00")
}

func cloneArtifacts(in []domain.KnowledgeArtifact) []domain.KnowledgeArtifact {
	out := make([]domain.KnowledgeArtifact, len(in))
	copy(out, in)
	return out
}
