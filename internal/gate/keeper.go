package gate

import (
	"context"
	"sync"

	"github.com/anthropics/crucible-engine/internal/workspace"
)

// Keeper holds the current baseline for a workspace. The baseline changes
// only through Refresh; concurrent runs read a consistent snapshot.
type Keeper struct {
	gate *Gate
	ws   workspace.Workspace

	mu      sync.RWMutex
	current *Baseline
}

// NewKeeper creates a Keeper with no baseline yet.
func NewKeeper(g *Gate, ws workspace.Workspace) *Keeper {
	return &Keeper{gate: g, ws: ws}
}

// Refresh takes a fresh snapshot and installs it as the current baseline.
func (k *Keeper) Refresh(ctx context.Context) (*Baseline, error) {
	baseline, err := k.gate.Snapshot(ctx, k.ws)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.current = baseline
	k.mu.Unlock()
	return baseline, nil
}

// Workspace returns the workspace the keeper snapshots.
func (k *Keeper) Workspace() workspace.Workspace {
	return k.ws
}

// Current returns the installed baseline, or nil before the first Refresh.
func (k *Keeper) Current() *Baseline {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}
