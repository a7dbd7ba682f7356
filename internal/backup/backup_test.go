package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tblbridge/api/internal/store"
	"tblbridge/api/internal/tree"
)

func TestName(t *testing.T) {
	at := time.Date(2025, 8, 19, 10, 4, 5, 123000000, time.UTC)
	got := Name("", at)
	want := "tbl-migration-backup-2025-08-19T10-04-05-123Z.json"
	if got != want {
		t.Fatalf("Name = %q, want %q", got, want)
	}
	if got := Name("nightly", at.In(time.FixedZone("CEST", 2*3600))); got != "nightly-2025-08-19T10-04-05-123Z.json" {
		t.Fatalf("Name with zone = %q", got)
	}
}

func sampleArtifact(at time.Time) Artifact {
	return Artifact{
		Timestamp: at,
		Nodes: []tree.Node{
			{ID: "a", Label: "Devis", Type: tree.TypeBranch},
			{ID: "b", Label: "Prix", Type: tree.TypeLeafField, ParentID: tree.StringPtr("a"), FormulaPresent: tree.BoolPtr(true)},
		},
		BridgeRows: []store.BridgeRow{{NodeID: "a", Code: "11-devis", TypeDigit: "1", CapacityDigit: "1"}},
	}
}

func TestWriteAndLoadFileStore(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "backups"))
	at := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)

	receipt, err := Write(ctx, s, DefaultPrefix, sampleArtifact(at))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasSuffix(receipt.Ref, "tbl-migration-backup-2025-08-19T10-00-00-000Z.json") {
		t.Fatalf("ref = %s", receipt.Ref)
	}
	if receipt.Digest == "" || receipt.Size == 0 {
		t.Fatalf("receipt = %+v", receipt)
	}

	artifact, err := Load(ctx, s, receipt.Ref, receipt.Digest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if artifact.TotalRecords != 2 || len(artifact.Nodes) != 2 || artifact.Nodes[1].Parent() != "a" {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.BridgeRows[0].Code != "11-devis" {
		t.Fatalf("bridge rows = %+v", artifact.BridgeRows)
	}

	byName, err := s.Read(ctx, filepath.Base(receipt.Ref))
	if err != nil || Digest(byName) != receipt.Digest {
		t.Fatalf("read by name: %v", err)
	}

	refs, err := s.List(ctx, DefaultPrefix)
	if err != nil || len(refs) != 1 || refs[0] != receipt.Ref {
		t.Fatalf("List = %v, %v", refs, err)
	}
}

func TestWriteNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())
	at := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)

	first, err := Write(ctx, s, DefaultPrefix, sampleArtifact(at))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	before, err := os.ReadFile(first.Ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	other := sampleArtifact(at)
	other.Nodes = other.Nodes[:1]
	if _, err := Write(ctx, s, DefaultPrefix, other); !errors.Is(err, ErrExists) {
		t.Fatalf("second write err = %v, want ErrExists", err)
	}
	after, err := os.ReadFile(first.Ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("artifact was overwritten")
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())
	receipt, err := Write(ctx, s, "", sampleArtifact(time.Now()))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := os.WriteFile(receipt.Ref, []byte(`{"timestamp":"2025-01-01T00:00:00Z","elements":[]}`), 0o640); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := Load(ctx, s, receipt.Ref, receipt.Digest); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load err = %v, want ErrCorrupt", err)
	}
	if _, err := Load(ctx, s, receipt.Ref, ""); err != nil {
		t.Fatalf("Load without digest: %v", err)
	}
}

func TestFileStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())
	if _, err := s.Read(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing err = %v", err)
	}
	if _, err := s.Create(ctx, "../escape.json", []byte("{}")); err == nil {
		t.Fatal("expected error for a name with a path")
	}
	refs, err := NewFileStore(filepath.Join(t.TempDir(), "never-created")).List(ctx, DefaultPrefix)
	if err != nil || len(refs) != 0 {
		t.Fatalf("List on missing dir = %v, %v", refs, err)
	}
}

type flakyStore struct {
	createFn func(context.Context, string, []byte) (string, error)
	readFn   func(context.Context, string) ([]byte, error)
}

func (f *flakyStore) Create(ctx context.Context, name string, payload []byte) (string, error) {
	return f.createFn(ctx, name, payload)
}

func (f *flakyStore) Read(ctx context.Context, ref string) ([]byte, error) {
	return f.readFn(ctx, ref)
}

func (f *flakyStore) List(context.Context, string) ([]string, error) {
	return nil, nil
}

func TestWriteVerifiesReadBack(t *testing.T) {
	s := &flakyStore{
		createFn: func(_ context.Context, name string, _ []byte) (string, error) { return name, nil },
		readFn:   func(context.Context, string) ([]byte, error) { return []byte("{}"), nil },
	}
	if _, err := Write(context.Background(), s, "", sampleArtifact(time.Now())); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Write err = %v, want ErrCorrupt", err)
	}
}

func TestMinIOStoreRoundTrip(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("BRIDGE_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("BRIDGE_TEST_MINIO_ENDPOINT is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewMinIOStore(ctx, MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("BRIDGE_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("BRIDGE_TEST_MINIO_SECRET_KEY"),
		Bucket:    "tbl-bridge-test",
	})
	if err != nil {
		t.Fatalf("NewMinIOStore: %v", err)
	}

	prefix := "test-" + time.Now().UTC().Format("20060102150405.000000000")
	artifact := sampleArtifact(time.Now())
	receipt, err := Write(ctx, s, prefix, artifact)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Write(ctx, s, prefix, artifact); !errors.Is(err, ErrExists) {
		t.Fatalf("overwrite err = %v", err)
	}
	loaded, err := Load(ctx, s, receipt.Ref, receipt.Digest)
	if err != nil || len(loaded.Nodes) != 2 {
		t.Fatalf("Load = %+v, %v", loaded, err)
	}
	refs, err := s.List(ctx, prefix)
	if err != nil || len(refs) != 1 {
		t.Fatalf("List = %v, %v", refs, err)
	}

	name := prefix + "-race.json"
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < cap(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, name, []byte(`{}`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, ErrExists):
			t.Fatalf("concurrent Create err = %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("%d concurrent creates succeeded, want exactly 1", created)
	}
}
