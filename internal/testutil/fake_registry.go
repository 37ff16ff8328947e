// Package testutil provides configurable test fakes for the narrow external
// collaborator interfaces the core module depends on.
package testutil

import (
	"context"
	"fmt"
	"sync"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

// FakeMiner is one leaderboard entry used by FakeRegistry.
type FakeMiner struct {
	UID       int
	Hotkey    string
	Rank      int
	VersionID string
	Code      string
}

// FakeRegistry is a configurable oracle.Registry for testing the
// Orchestrator without a real upstream agent registry.
type FakeRegistry struct {
	mu     sync.Mutex
	miners []FakeMiner

	// Err, if set, is returned by every method call.
	Err error
}

// NewFakeRegistry returns a FakeRegistry seeded with the given miners,
// in rank order.
func NewFakeRegistry(miners ...FakeMiner) *FakeRegistry {
	return &FakeRegistry{miners: miners}
}

func (f *FakeRegistry) MinerByRank(_ context.Context, rank int) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, "", f.Err
	}
	for _, m := range f.miners {
		if m.Rank == rank {
			return m.UID, m.Hotkey, nil
		}
	}
	return 0, "", fmt.Errorf("no miner at rank %d: %w", rank, oracle.ErrNotFound)
}

func (f *FakeRegistry) MinerByUID(_ context.Context, uid int) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", false, f.Err
	}
	for _, m := range f.miners {
		if m.UID == uid {
			return m.Hotkey, true, nil
		}
	}
	return "", false, nil
}

func (f *FakeRegistry) RankByUID(_ context.Context, uid int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, false, f.Err
	}
	for _, m := range f.miners {
		if m.UID == uid {
			return m.Rank, true, nil
		}
	}
	return 0, false, nil
}

func (f *FakeRegistry) AgentCode(_ context.Context, uid int, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", "", f.Err
	}
	for _, m := range f.miners {
		if m.UID == uid {
			return m.VersionID, m.Code, nil
		}
	}
	return "", "", nil // not found -> "code unavailable", not an error (4xx semantics)
}

var _ oracle.Registry = (*FakeRegistry)(nil)
