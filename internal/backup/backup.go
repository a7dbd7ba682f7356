// Package backup writes the timestamped artifacts a migration takes before it
// mutates anything, and reads them back for rollback.
package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"tblbridge/api/internal/store"
	"tblbridge/api/internal/tree"
)

const DefaultPrefix = "tbl-migration-backup"

var (
	// ErrExists is returned instead of overwriting an artifact.
	ErrExists   = errors.New("backup artifact already exists")
	ErrNotFound = errors.New("backup artifact not found")
	ErrCorrupt  = errors.New("backup artifact corrupt")
)

// Store is a durable place for artifacts. Create must never overwrite.
type Store interface {
	Create(ctx context.Context, name string, payload []byte) (string, error)
	Read(ctx context.Context, ref string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Artifact is the full pre-migration state: every node plus whatever bridge data
// earlier runs left behind.
type Artifact struct {
	Timestamp    time.Time         `json:"timestamp"`
	TotalRecords int               `json:"totalRecords"`
	Nodes        []tree.Node       `json:"elements"`
	BridgeRows   []store.BridgeRow `json:"bridgeRows"`
}

// Name builds the artifact name from the prefix and an ISO timestamp with ':' and '.'
// replaced by '-'.
func Name(prefix string, at time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	stamp := at.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return fmt.Sprintf("%s-%s.json", prefix, stamp)
}

// Digest is the hex blake2b-256 of an encoded artifact.
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Receipt identifies a written artifact.
type Receipt struct {
	Ref    string `json:"ref"`
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

// Write encodes the artifact, stores it under a fresh name and reads it back. An
// artifact that cannot be read back byte for byte is reported as ErrCorrupt.
func Write(ctx context.Context, s Store, prefix string, artifact Artifact) (Receipt, error) {
	if artifact.Timestamp.IsZero() {
		artifact.Timestamp = time.Now().UTC()
	}
	artifact.TotalRecords = len(artifact.Nodes)
	if artifact.Nodes == nil {
		artifact.Nodes = []tree.Node{}
	}
	if artifact.BridgeRows == nil {
		artifact.BridgeRows = []store.BridgeRow{}
	}

	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return Receipt{}, fmt.Errorf("encode backup: %w", err)
	}

	ref, err := s.Create(ctx, Name(prefix, artifact.Timestamp), payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("create backup: %w", err)
	}

	written, err := s.Read(ctx, ref)
	if err != nil {
		return Receipt{}, fmt.Errorf("verify backup %s: %w", ref, err)
	}
	if !bytes.Equal(written, payload) {
		return Receipt{}, fmt.Errorf("verify backup %s: %w: digest %s, want %s", ref, ErrCorrupt, Digest(written), Digest(payload))
	}
	return Receipt{Ref: ref, Digest: Digest(payload), Size: len(payload)}, nil
}

// Load reads an artifact. When wantDigest is set the raw payload must match it.
func Load(ctx context.Context, s Store, ref, wantDigest string) (Artifact, error) {
	payload, err := s.Read(ctx, ref)
	if err != nil {
		return Artifact{}, fmt.Errorf("read backup %s: %w", ref, err)
	}
	if wantDigest != "" && Digest(payload) != wantDigest {
		return Artifact{}, fmt.Errorf("read backup %s: %w", ref, ErrCorrupt)
	}
	var artifact Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("decode backup %s: %w: %v", ref, ErrCorrupt, err)
	}
	return artifact, nil
}
