package channel

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
)

// StatusTracker is the shared Status Adapter. Plugins report connection
// transitions with Set; each transition is emitted on the event bus.
type StatusTracker struct {
	channelID string
	accounts  *AccountStore
	events    *bus.EventBus

	mu        sync.RWMutex
	snapshots map[string]domain.AccountSnapshot
}

// NewStatusTracker creates a tracker. events may be nil.
func NewStatusTracker(channelID string, accounts *AccountStore, events *bus.EventBus) *StatusTracker {
	return &StatusTracker{
		channelID: channelID,
		accounts:  accounts,
		events:    events,
		snapshots: make(map[string]domain.AccountSnapshot),
	}
}

// Set records the new status of an account. A nil err clears the last error.
func (t *StatusTracker) Set(accountID string, status domain.ConnectionStatus, err error) {
	t.mu.Lock()
	snap := t.snapshots[accountID]
	prev := snap.Status
	snap.ID = accountID
	snap.Status = status
	snap.Error = ""
	if err != nil {
		snap.Error = err.Error()
	}
	switch status {
	case domain.StatusConnected:
		if prev != domain.StatusConnected {
			now := time.Now()
			snap.ConnectedAt = &now
		}
	case domain.StatusDisconnected, domain.StatusError:
		snap.ConnectedAt = nil
	}
	t.snapshots[accountID] = snap
	t.mu.Unlock()

	if t.events != nil && prev != status {
		t.events.Emit(bus.Event{
			Type:   bus.EventChannelStatus,
			Source: t.channelID,
			Payload: map[string]any{
				"account": accountID,
				"status":  string(status),
				"from":    string(prev),
				"error":   snap.Error,
			},
		})
	}
}

// SetMetadata merges meta into the account's snapshot metadata.
func (t *StatusTracker) SetMetadata(accountID string, meta map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshots[accountID]
	snap.ID = accountID
	if snap.Metadata == nil {
		snap.Metadata = make(map[string]any, len(meta))
	}
	maps.Copy(snap.Metadata, meta)
	t.snapshots[accountID] = snap
}

// Snapshot returns a copy of the account's health record. Accounts that never
// reported are disconnected.
func (t *StatusTracker) Snapshot(accountID string) (domain.AccountSnapshot, error) {
	cfg, known := t.accounts.ResolveAccount(accountID)
	if !known {
		return domain.AccountSnapshot{}, fmt.Errorf("%s: unknown account %q", t.channelID, accountID)
	}

	t.mu.RLock()
	snap, ok := t.snapshots[accountID]
	t.mu.RUnlock()
	if !ok || snap.Status == "" {
		snap = domain.AccountSnapshot{ID: accountID, Status: domain.StatusDisconnected}
	}
	snap.Enabled = cfg.Enabled
	if snap.Metadata != nil {
		snap.Metadata = maps.Clone(snap.Metadata)
	}
	return snap, nil
}
