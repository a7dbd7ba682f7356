package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"tblbridge/api/internal/backup"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/store"
	"tblbridge/api/internal/tree"
)

type fakeNodeStore struct {
	mu          sync.Mutex
	nodes       []tree.Node
	rows        map[string]store.BridgeRow
	prepared    int
	saves       int
	clears      int
	saveFn      func(store.BridgeRow) error
	integrityFn func() (store.IntegrityReport, error)
}

func newFakeNodeStore(nodes []tree.Node) *fakeNodeStore {
	return &fakeNodeStore{nodes: nodes, rows: map[string]store.BridgeRow{}}
}

func (f *fakeNodeStore) ListNodes(context.Context) ([]tree.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tree.Node(nil), f.nodes...), nil
}

func (f *fakeNodeStore) ListBridgeRows(context.Context) ([]store.BridgeRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.BridgeRow, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (f *fakeNodeStore) PrepareStorage(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared++
	return nil
}

func (f *fakeNodeStore) SaveBridgeRow(_ context.Context, row store.BridgeRow) error {
	f.mu.Lock()
	f.saves++
	saveFn := f.saveFn
	f.mu.Unlock()
	if saveFn != nil {
		if err := saveFn(row); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.NodeID] = row
	return nil
}

func (f *fakeNodeStore) ClearBridgeRows(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	cleared := int64(len(f.rows))
	f.rows = map[string]store.BridgeRow{}
	return cleared, nil
}

func (f *fakeNodeStore) Integrity(context.Context) (store.IntegrityReport, error) {
	if f.integrityFn != nil {
		return f.integrityFn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	report := store.IntegrityReport{Nodes: len(f.nodes), Coded: len(f.rows)}
	seen := map[string]int{}
	for _, row := range f.rows {
		seen[row.Code]++
		if !codec.IsValid(row.Code) {
			report.InvalidCodes = append(report.InvalidCodes, row.Code)
		}
	}
	for code, n := range seen {
		if n > 1 {
			report.DuplicateCodes = append(report.DuplicateCodes, code)
		}
	}
	return report, nil
}

type fakeRecorder struct {
	runs []store.MigrationRun
}

func (f *fakeRecorder) RecordRun(_ context.Context, run store.MigrationRun) (int64, error) {
	f.runs = append(f.runs, run)
	return int64(len(f.runs)), nil
}

// population builds n root fields where the last `collisions` nodes reuse the label
// of an earlier node.
func population(n, collisions int) []tree.Node {
	nodes := make([]tree.Node, 0, n)
	for i := 0; i < n; i++ {
		label := fmt.Sprintf("Champ %d", i)
		if i >= n-collisions {
			label = fmt.Sprintf("Champ %d", i-(n-collisions))
		}
		nodes = append(nodes, tree.Node{ID: fmt.Sprintf("node-%03d", i), Label: label, Type: tree.TypeLeafField})
	}
	return nodes
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchPause = 0
	cfg.LogLevel = LogSilent
	return cfg
}

func testClock() func() time.Time {
	current := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
}

func TestDryRunPersistsNothing(t *testing.T) {
	nodes := newFakeNodeStore(population(100, 5))
	backups := backup.NewFileStore(t.TempDir())
	cfg := testConfig()
	cfg.DryRun = true

	result, err := New(nodes, nodes, backups, cfg, WithClock(testClock())).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || !result.DryRun {
		t.Fatalf("result = %+v", result)
	}
	if result.TotalProcessed != 100 || result.TotalMigrated != 100 {
		t.Fatalf("processed %d migrated %d", result.TotalProcessed, result.TotalMigrated)
	}
	if result.Statistics.DuplicatesResolved != 5 {
		t.Fatalf("duplicatesResolved = %d, want 5", result.Statistics.DuplicatesResolved)
	}
	if result.Statistics.ByType[codec.Field] != 100 || result.Statistics.AverageConfidence != 100 {
		t.Fatalf("statistics = %+v", result.Statistics)
	}
	if nodes.saves != 0 || nodes.prepared != 0 || nodes.clears != 0 {
		t.Fatalf("dry run touched storage: saves %d prepared %d clears %d", nodes.saves, nodes.prepared, nodes.clears)
	}
	if refs, _ := backups.List(context.Background(), ""); len(refs) != 0 {
		t.Fatalf("dry run wrote backups: %v", refs)
	}
	for _, phase := range []Phase{PhaseBackup, PhasePrepareStorage, PhaseValidate} {
		if got := result.PhaseStatus(phase); got != PhaseSkipped {
			t.Fatalf("%s status = %s", phase, got)
		}
	}
}

func TestRunPersistsAndValidates(t *testing.T) {
	nodes := newFakeNodeStore([]tree.Node{
		{ID: "c", Label: "Prix total", Type: tree.TypeLeafField, ParentID: tree.StringPtr("b"), FormulaRef: "f-1"},
		{ID: "a", Label: "Devis", Type: tree.TypeBranch},
		{ID: "b", Label: "Résultats", Type: tree.TypeSection, ParentID: tree.StringPtr("a")},
		{ID: "d", Label: "Options", Type: tree.TypeBranch, ParentID: tree.StringPtr("a")},
	})
	backups := backup.NewFileStore(t.TempDir())
	recorder := &fakeRecorder{}

	result, err := New(nodes, nodes, backups, testConfig(), WithClock(testClock()), WithRecorder(recorder)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v (errors %v)", err, result.Errors)
	}
	if !result.Success || result.TotalMigrated != 4 || result.BackupRef == "" {
		t.Fatalf("result = %+v", result)
	}
	want := map[string]string{"a": "11-devis", "b": "74-resultats", "c": "62-prix-total", "d": "21-options"}
	for id, code := range want {
		if nodes.rows[id].Code != code {
			t.Fatalf("%s persisted as %q, want %q", id, nodes.rows[id].Code, code)
		}
		if nodes.rows[id].OriginalID != id || nodes.rows[id].Source != "auto" {
			t.Fatalf("row = %+v", nodes.rows[id])
		}
	}
	if nodes.prepared != 1 {
		t.Fatalf("prepared %d times", nodes.prepared)
	}
	if result.PhaseStatus(PhaseValidate) != PhaseDone || result.PhaseStatus(PhaseRollback) != "" {
		t.Fatalf("phases = %+v", result.Phases)
	}
	if len(recorder.runs) != 1 || !recorder.runs[0].Success || recorder.runs[0].BackupRef != result.BackupRef {
		t.Fatalf("recorded runs = %+v", recorder.runs)
	}

	artifact, err := backup.Load(context.Background(), backups, result.BackupRef, result.BackupDigest)
	if err != nil {
		t.Fatalf("Load backup: %v", err)
	}
	if artifact.TotalRecords != 4 || len(artifact.BridgeRows) != 0 {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestTransformFailureRollsBackToBackup(t *testing.T) {
	nodes := newFakeNodeStore(population(30, 0))
	earlier := store.BridgeRow{NodeID: "node-001", Code: "31-ancien", TypeDigit: "3", CapacityDigit: "1", OriginalID: "node-001", Confidence: 100, Source: "auto"}
	nodes.rows[earlier.NodeID] = earlier
	nodes.saveFn = func(row store.BridgeRow) error {
		if row.NodeID == "node-017" {
			return errors.New("connection reset")
		}
		return nil
	}
	backups := backup.NewFileStore(t.TempDir())
	cfg := testConfig()
	cfg.BatchSize = 7

	result, err := New(nodes, nodes, backups, cfg, WithClock(testClock())).Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if result.Success || !result.RolledBack {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(err.Error(), "Champ 17") || !strings.Contains(err.Error(), "node-017") {
		t.Fatalf("error does not name the node: %v", err)
	}
	if result.PhaseStatus(PhaseBatchTransform) != PhaseFailed || result.PhaseStatus(PhaseRollback) != PhaseDone {
		t.Fatalf("phases = %+v", result.Phases)
	}
	if len(nodes.rows) != 1 || nodes.rows["node-001"].Code != earlier.Code {
		t.Fatalf("rows after rollback = %+v", nodes.rows)
	}

	payload, err := os.ReadFile(result.BackupRef)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if backup.Digest(payload) != result.BackupDigest {
		t.Fatal("backup artifact changed during the run")
	}
	if filepath.Dir(result.BackupRef) != backups.Dir() {
		t.Fatalf("backup ref %s outside %s", result.BackupRef, backups.Dir())
	}
}

func TestTransformFailureWithoutAutoRollback(t *testing.T) {
	nodes := newFakeNodeStore(population(10, 0))
	nodes.saveFn = func(row store.BridgeRow) error {
		if row.NodeID == "node-005" {
			return errors.New("disk full")
		}
		return nil
	}
	cfg := testConfig()
	cfg.AutoRollback = false

	result, err := New(nodes, nodes, backup.NewFileStore(t.TempDir()), cfg).Run(context.Background())
	if err == nil || result.RolledBack {
		t.Fatalf("err %v rolledBack %v", err, result.RolledBack)
	}
	if len(nodes.rows) != 5 || nodes.clears != 0 {
		t.Fatalf("rows %d clears %d", len(nodes.rows), nodes.clears)
	}
}

func TestValidateFailureRaisesIntegrityError(t *testing.T) {
	nodes := newFakeNodeStore(population(12, 0))
	nodes.integrityFn = func() (store.IntegrityReport, error) {
		return store.IntegrityReport{Nodes: 13, Coded: 12, DuplicateCodes: []string{"31-champ-1"}, InvalidCodes: []string{"bad"}}, nil
	}

	result, err := New(nodes, nodes, backup.NewFileStore(t.TempDir()), testConfig()).Run(context.Background())
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
	if len(integrity.Violations) != 3 {
		t.Fatalf("violations = %v", integrity.Violations)
	}
	if len(result.Errors) != 3 {
		t.Fatalf("errors must list each violation, got %q", result.Errors)
	}
	for i, violation := range integrity.Violations {
		if result.Errors[i] != violation {
			t.Fatalf("errors[%d] = %q, want %q", i, result.Errors[i], violation)
		}
	}
	if !result.RolledBack || len(nodes.rows) != 0 {
		t.Fatalf("rolledBack %v rows %d", result.RolledBack, len(nodes.rows))
	}
}

func TestCancellationStopsBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := newFakeNodeStore(population(20, 0))
	nodes.saveFn = func(row store.BridgeRow) error {
		if row.NodeID == "node-002" {
			cancel()
		}
		return nil
	}
	cfg := testConfig()
	cfg.BatchSize = 5

	result, err := New(nodes, nodes, backup.NewFileStore(t.TempDir()), cfg).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if result.TotalMigrated != 5 {
		t.Fatalf("migrated %d, the running batch must complete", result.TotalMigrated)
	}
	if !result.RolledBack || len(nodes.rows) != 0 {
		t.Fatalf("rolledBack %v rows %d", result.RolledBack, len(nodes.rows))
	}
}

func TestBackupFailureAbortsBeforeMutation(t *testing.T) {
	nodes := newFakeNodeStore(population(3, 0))
	result, err := New(nodes, nodes, nil, testConfig()).Run(context.Background())
	if !errors.Is(err, ErrNoBackup) {
		t.Fatalf("err = %v", err)
	}
	if nodes.prepared != 0 || nodes.saves != 0 || result.PhaseStatus(PhaseLoad) != "" {
		t.Fatalf("storage touched after failed backup: %+v", result.Phases)
	}
}

func TestCollisionWithoutDuplicatesAbortsRun(t *testing.T) {
	nodes := newFakeNodeStore([]tree.Node{
		{ID: "a", Label: "Devis", Type: tree.TypeLeafOption},
		{ID: "b", Label: "Devis", Type: tree.TypeLeafOption},
		{ID: "c", Label: "Devis", Type: tree.TypeLeafOption},
	})
	cfg := testConfig()
	cfg.DryRun = true
	cfg.AllowDuplicateNames = false

	result, err := New(nodes, nodes, nil, cfg).Run(context.Background())
	if err == nil || result.Success {
		t.Fatal("expected collision failure")
	}
	if result.TotalMigrated != 2 || result.Statistics.DuplicatesResolved != 1 {
		t.Fatalf("migrated %d duplicates %d", result.TotalMigrated, result.Statistics.DuplicatesResolved)
	}
}

func TestManualOverridesSurviveRemigration(t *testing.T) {
	nodes := newFakeNodeStore([]tree.Node{
		{ID: "x", Label: "Prix", Type: tree.TypeLeafField},
		{ID: "y", Label: "Quantité", Type: tree.TypeLeafField},
	})
	pinnedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	nodes.rows["x"] = store.BridgeRow{NodeID: "x", Code: "62-prix", TypeDigit: "6", CapacityDigit: "2", Confidence: 100, Source: "manual", CreatedAt: pinnedAt}

	result, err := New(nodes, nodes, backup.NewFileStore(t.TempDir()), testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := nodes.rows["x"]; got.Code != "62-prix" || got.Source != "manual" || !got.CreatedAt.Equal(pinnedAt) {
		t.Fatalf("manual row = %+v", got)
	}
	if nodes.rows["y"].Code != "31-quantite" {
		t.Fatalf("auto row = %+v", nodes.rows["y"])
	}
	if result.Statistics.ManualOverrides != 1 || result.Statistics.AutoDetected != 1 {
		t.Fatalf("statistics = %+v", result.Statistics)
	}
}

func TestCyclesAreReportedNotFatal(t *testing.T) {
	nodes := newFakeNodeStore([]tree.Node{
		{ID: "a", Label: "Alpha", Type: tree.TypeBranch, ParentID: tree.StringPtr("b")},
		{ID: "b", Label: "Beta", Type: tree.TypeBranch, ParentID: tree.StringPtr("a")},
	})
	cfg := testConfig()
	cfg.DryRun = true

	result, err := New(nodes, nodes, nil, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, warning := range result.Warnings {
		if strings.Contains(warning, "cycle") {
			found = true
		}
	}
	if !found || result.TotalMigrated != 2 {
		t.Fatalf("warnings %v migrated %d", result.Warnings, result.TotalMigrated)
	}
}

func TestRollbackFromReference(t *testing.T) {
	ctx := context.Background()
	backups := backup.NewFileStore(t.TempDir())
	receipt, err := backup.Write(ctx, backups, "", backup.Artifact{
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Nodes:      []tree.Node{{ID: "a", Label: "Devis", Type: tree.TypeBranch}},
		BridgeRows: []store.BridgeRow{{NodeID: "a", Code: "11-devis", TypeDigit: "1", CapacityDigit: "1"}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	nodes := newFakeNodeStore([]tree.Node{{ID: "a", Label: "Devis", Type: tree.TypeBranch}})
	nodes.rows["a"] = store.BridgeRow{NodeID: "a", Code: "12-devis"}
	engine := New(nodes, nodes, backups, testConfig())

	if err := engine.Rollback(ctx, receipt.Ref); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if nodes.rows["a"].Code != "11-devis" {
		t.Fatalf("row = %+v", nodes.rows["a"])
	}
	if err := engine.Rollback(ctx, filepath.Join(backups.Dir(), "missing.json")); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("missing ref err = %v", err)
	}
	if err := engine.Rollback(ctx, ""); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("empty ref err = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    LogLevel
		wantErr bool
	}{
		{raw: "", want: LogInfo},
		{raw: "DEBUG", want: LogDebug},
		{raw: " silent ", want: LogSilent},
		{raw: "verbose", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseLogLevel(tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseLogLevel(%q) = %q, %v", tc.raw, got, err)
		}
	}
}
