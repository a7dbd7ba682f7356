// Package snapshot persists the full contents of a bridge registry so a restarted
// sync service can pick up where it left off.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tblbridge/api/internal/bridge"
)

const formatVersion = 1

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrFormat   = errors.New("snapshot format not supported")
)

// Snapshot is the exported registry plus when it was taken.
type Snapshot struct {
	Version int                      `json:"version"`
	SavedAt time.Time                `json:"savedAt"`
	Records map[string]bridge.Record `json:"records"`
}

// Repository loads and saves the one snapshot of a registry. Load returns
// ErrNotFound when nothing was ever saved.
type Repository interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

func encode(snap Snapshot) ([]byte, error) {
	snap.Version = formatVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	if snap.Records == nil {
		snap.Records = map[string]bridge.Record{}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version != formatVersion {
		return Snapshot{}, fmt.Errorf("%w: version %d", ErrFormat, snap.Version)
	}
	if snap.Records == nil {
		snap.Records = map[string]bridge.Record{}
	}
	return snap, nil
}
