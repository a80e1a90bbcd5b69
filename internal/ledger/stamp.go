package ledger

import (
	"context"
	"sync"

	"commonpurse/internal/core"

	"github.com/google/uuid"
)

// StampStore persists version stamps so Current survives restarts.
type StampStore interface {
	SetGroupStamp(ctx context.Context, group core.GroupID, stamp string) error
	GroupStamp(ctx context.Context, group core.GroupID) (string, error)
}

// VersionStamps hands out an opaque token per group that changes on every
// ledger mutation. Consumers capture a stamp before derived work and compare
// it afterwards to detect that the ledger moved underneath them. This is a
// best-effort staleness signal, not a lock.
type VersionStamps struct {
	mu     sync.RWMutex
	stamps map[core.GroupID]string
	store  StampStore
}

func NewVersionStamps(store StampStore) *VersionStamps {
	return &VersionStamps{
		stamps: make(map[core.GroupID]string),
		store:  store,
	}
}

// Bump regenerates the group's stamp and returns the new value.
func (v *VersionStamps) Bump(ctx context.Context, group core.GroupID) (string, error) {
	stamp := uuid.NewString()

	v.mu.Lock()
	v.stamps[group] = stamp
	v.mu.Unlock()

	if v.store != nil {
		if err := v.store.SetGroupStamp(ctx, group, stamp); err != nil {
			return stamp, err
		}
	}
	return stamp, nil
}

// Current returns the most recent stamp for the group. The empty string is
// the never-mutated sentinel.
func (v *VersionStamps) Current(ctx context.Context, group core.GroupID) (string, error) {
	v.mu.RLock()
	stamp, ok := v.stamps[group]
	v.mu.RUnlock()
	if ok {
		return stamp, nil
	}

	if v.store == nil {
		return "", nil
	}

	stamp, err := v.store.GroupStamp(ctx, group)
	if err != nil {
		return "", err
	}
	if stamp != "" {
		v.mu.Lock()
		v.stamps[group] = stamp
		v.mu.Unlock()
	}
	return stamp, nil
}
