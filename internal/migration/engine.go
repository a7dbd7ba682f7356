// Package migration assigns bridge codes to an existing node population in one
// guarded run: backup, load, prepare storage, transform in batches, validate, and roll
// back on failure.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tblbridge/api/internal/backup"
	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/store"
	"tblbridge/api/internal/tree"
)

// NodeSource reads the node population and any bridge data already persisted.
type NodeSource interface {
	ListNodes(ctx context.Context) ([]tree.Node, error)
	ListBridgeRows(ctx context.Context) ([]store.BridgeRow, error)
}

// BridgeWriter persists bridge data next to the nodes. It never writes node columns.
type BridgeWriter interface {
	PrepareStorage(ctx context.Context) error
	SaveBridgeRow(ctx context.Context, row store.BridgeRow) error
	ClearBridgeRows(ctx context.Context) (int64, error)
	Integrity(ctx context.Context) (store.IntegrityReport, error)
}

// RunRecorder keeps a history of runs. It is optional.
type RunRecorder interface {
	RecordRun(ctx context.Context, run store.MigrationRun) (int64, error)
}

var ErrNoBackup = errors.New("no backup artifact")

type Engine struct {
	source   NodeSource
	writer   BridgeWriter
	backups  backup.Store
	recorder RunRecorder
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithRecorder(recorder RunRecorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(source NodeSource, writer BridgeWriter, backups backup.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		writer:  writer,
		backups: backups,
		cfg:     cfg.withDefaults(),
		logger:  log.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Run executes one migration. The returned Result is complete whether or not the run
// succeeded; the error is the first fatal failure.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	result := Result{
		DryRun:     e.cfg.DryRun,
		Errors:     []string{},
		Warnings:   []string{},
		Statistics: newStatistics(),
		StartedAt:  e.now(),
	}
	e.infof("starting bridge migration (batch size %d)", e.cfg.BatchSize)

	err := e.run(ctx, &result)
	if err != nil {
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			result.Errors = append(result.Errors, integrity.Violations...)
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		e.infof("migration failed: %v", err)
		if e.shouldRollback(result) {
			e.rollbackAfterFailure(ctx, &result)
		}
	} else {
		result.Success = true
		e.infof("migration finished: %d processed, %d migrated", result.TotalProcessed, result.TotalMigrated)
	}
	result.FinishedAt = e.now()
	e.record(ctx, result)
	return result, err
}

func (e *Engine) run(ctx context.Context, result *Result) error {
	started := time.Now()
	if e.cfg.DryRun {
		result.phase(PhaseBackup, PhaseSkipped, started, nil)
	} else {
		e.infof("phase 1: backup")
		receipt, err := e.backup(ctx)
		if err != nil {
			result.phase(PhaseBackup, PhaseFailed, started, err)
			return fmt.Errorf("backup: %w", err)
		}
		result.BackupRef = receipt.Ref
		result.BackupDigest = receipt.Digest
		result.phase(PhaseBackup, PhaseDone, started, nil)
		e.infof("backup written to %s (%d bytes)", receipt.Ref, receipt.Size)
	}

	started = time.Now()
	e.infof("phase 2: load")
	nodes, previous, err := e.load(ctx, result)
	if err != nil {
		result.phase(PhaseLoad, PhaseFailed, started, err)
		return fmt.Errorf("load: %w", err)
	}
	result.TotalProcessed = len(nodes)
	result.phase(PhaseLoad, PhaseDone, started, nil)
	e.infof("%d nodes to migrate", len(nodes))

	started = time.Now()
	if e.cfg.DryRun {
		result.phase(PhasePrepareStorage, PhaseSkipped, started, nil)
	} else {
		e.infof("phase 3: prepare storage")
		if err := e.writer.PrepareStorage(ctx); err != nil {
			result.phase(PhasePrepareStorage, PhaseFailed, started, err)
			return fmt.Errorf("prepare storage: %w", err)
		}
		result.phase(PhasePrepareStorage, PhaseDone, started, nil)
	}

	started = time.Now()
	e.infof("phase 4: batch transform")
	if err := e.transform(ctx, nodes, previous, result); err != nil {
		result.phase(PhaseBatchTransform, PhaseFailed, started, err)
		return err
	}
	result.phase(PhaseBatchTransform, PhaseDone, started, nil)

	started = time.Now()
	if e.cfg.DryRun || !e.cfg.ValidateIntegrity {
		result.phase(PhaseValidate, PhaseSkipped, started, nil)
		return nil
	}
	e.infof("phase 5: validate")
	if err := e.validate(ctx, len(nodes)); err != nil {
		result.phase(PhaseValidate, PhaseFailed, started, err)
		return err
	}
	result.phase(PhaseValidate, PhaseDone, started, nil)
	return nil
}

func (e *Engine) backup(ctx context.Context) (backup.Receipt, error) {
	if e.backups == nil {
		return backup.Receipt{}, ErrNoBackup
	}
	nodes, err := e.source.ListNodes(ctx)
	if err != nil {
		return backup.Receipt{}, err
	}
	rows, err := e.source.ListBridgeRows(ctx)
	if err != nil {
		return backup.Receipt{}, err
	}
	return backup.Write(ctx, e.backups, e.cfg.BackupPrefix, backup.Artifact{
		Timestamp:  e.now(),
		Nodes:      nodes,
		BridgeRows: rows,
	})
}

// load reads the nodes parents first and indexes manual overrides left by earlier
// runs so they survive a re-migration.
func (e *Engine) load(ctx context.Context, result *Result) ([]tree.Node, map[string]store.BridgeRow, error) {
	nodes, err := e.source.ListNodes(ctx)
	if err != nil {
		return nil, nil, err
	}
	ordered, err := tree.Order(nodes)
	var cycles *tree.CycleError
	if errors.As(err, &cycles) {
		result.Warnings = append(result.Warnings, cycles.Error())
		e.infof("%v", cycles)
	} else if err != nil {
		return nil, nil, err
	}

	previous := map[string]store.BridgeRow{}
	if e.cfg.DryRun {
		return ordered, previous, nil
	}
	rows, err := e.source.ListBridgeRows(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range rows {
		if row.Source == string(bridge.SourceManual) {
			previous[row.NodeID] = row
		}
	}
	return ordered, previous, nil
}

func (e *Engine) transform(ctx context.Context, nodes []tree.Node, manual map[string]store.BridgeRow, result *Result) error {
	registry := bridge.New(
		bridge.WithDuplicateNames(e.cfg.AllowDuplicateNames),
		bridge.WithLookup(newIndex(nodes)),
		bridge.WithClock(e.now),
	)
	stats := &result.Statistics
	confidence := 0

	batches := partition(nodes, e.cfg.BatchSize)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before batch %d/%d: %w", i+1, len(batches), err)
		}
		e.infof("batch %d/%d (%d nodes)", i+1, len(batches), len(batch))

		for _, node := range batch {
			out := registry.Process(ctx, node)
			if out.Status == bridge.StatusError {
				return fmt.Errorf("node %q (%s): %w", node.Label, node.ID, out.Err)
			}
			record := *out.Record
			if row, ok := manual[node.ID]; ok {
				pinned := registry.Override(node.ID, codec.TypeDigit(row.TypeDigit), capacity.Capacity(row.CapacityDigit))
				if pinned.Status == bridge.StatusError {
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s: manual override %s%s dropped: %s", node.ID, row.TypeDigit, row.CapacityDigit, pinned.Message))
				} else {
					record = *pinned.Record
					record.CreatedAt = row.CreatedAt
				}
			}

			for _, warning := range out.Warnings {
				result.Warnings = append(result.Warnings, node.ID+": "+warning)
			}
			if out.CollisionResolved {
				stats.DuplicatesResolved++
				e.debugf("duplicate resolved for %s: %s", node.ID, record.Code)
			}
			if record.Source == bridge.SourceManual {
				stats.ManualOverrides++
			} else {
				stats.AutoDetected++
			}
			stats.ByType[record.TypeDigit]++
			stats.ByCapacity[record.CapacityDigit]++
			confidence += record.Confidence

			if !e.cfg.DryRun {
				if err := e.writer.SaveBridgeRow(ctx, rowFor(record)); err != nil {
					return fmt.Errorf("node %q (%s): %w", node.Label, node.ID, err)
				}
			}
			result.TotalMigrated++
			e.debugf("%s -> %s (confidence %d%%)", node.Label, record.Code, record.Confidence)
		}

		if i < len(batches)-1 {
			e.pause(ctx)
		}
	}

	if result.TotalMigrated > 0 {
		stats.AverageConfidence = (confidence*2 + result.TotalMigrated) / (2 * result.TotalMigrated)
	}
	return nil
}

// pause waits between batches. A cancelled context ends the wait early and is
// reported by the check before the next batch.
func (e *Engine) pause(ctx context.Context) {
	if e.cfg.BatchPause <= 0 {
		return
	}
	timer := time.NewTimer(e.cfg.BatchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Engine) validate(ctx context.Context, loaded int) error {
	report, err := e.writer.Integrity(ctx)
	if err != nil {
		return &IntegrityError{Violations: []string{fmt.Sprintf("read integrity: %v", err)}}
	}
	var violations []string
	if report.Nodes != report.Coded {
		violations = append(violations, fmt.Sprintf("data loss: %d nodes but %d coded", report.Nodes, report.Coded))
	}
	if report.Coded < loaded {
		violations = append(violations, fmt.Sprintf("data loss: %d nodes loaded but %d coded", loaded, report.Coded))
	}
	if len(report.DuplicateCodes) > 0 {
		violations = append(violations, fmt.Sprintf("duplicate codes: %d (%v)", len(report.DuplicateCodes), report.DuplicateCodes))
	}
	if len(report.InvalidCodes) > 0 {
		violations = append(violations, fmt.Sprintf("invalid codes: %d (%v)", len(report.InvalidCodes), report.InvalidCodes))
	}
	if len(violations) > 0 {
		return &IntegrityError{Violations: violations}
	}
	return nil
}

// shouldRollback limits automatic rollback to failures after bridge data may have
// been written.
func (e *Engine) shouldRollback(result Result) bool {
	if !e.cfg.AutoRollback || e.cfg.DryRun || result.BackupRef == "" {
		return false
	}
	return result.PhaseStatus(PhaseBatchTransform) == PhaseFailed || result.PhaseStatus(PhaseValidate) == PhaseFailed
}

func (e *Engine) rollbackAfterFailure(ctx context.Context, result *Result) {
	started := time.Now()
	e.infof("automatic rollback from %s", result.BackupRef)
	// The run may have failed on cancellation; the rollback still has to finish.
	ctx = context.WithoutCancel(ctx)
	if err := e.restore(ctx, result.BackupRef, result.BackupDigest); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("rollback: %v", err))
		result.phase(PhaseRollback, PhaseFailed, started, err)
		e.infof("rollback failed: %v", err)
		return
	}
	result.RolledBack = true
	result.phase(PhaseRollback, PhaseDone, started, nil)
	e.infof("rollback finished")
}

// Rollback restores the bridge columns recorded in a backup artifact. Node data is
// never touched.
func (e *Engine) Rollback(ctx context.Context, ref string) error {
	if ref == "" {
		return ErrNoBackup
	}
	e.infof("rollback from %s", ref)
	if err := e.restore(ctx, ref, ""); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (e *Engine) restore(ctx context.Context, ref, digest string) error {
	if e.backups == nil {
		return ErrNoBackup
	}
	artifact, err := backup.Load(ctx, e.backups, ref, digest)
	if err != nil {
		return err
	}
	cleared, err := e.writer.ClearBridgeRows(ctx)
	if err != nil {
		return err
	}
	e.debugf("cleared bridge data on %d nodes", cleared)
	for _, row := range artifact.BridgeRows {
		if err := e.writer.SaveBridgeRow(ctx, row); err != nil {
			return fmt.Errorf("restore %s: %w", row.NodeID, err)
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, result Result) {
	if e.recorder == nil || result.DryRun {
		return
	}
	_, err := e.recorder.RecordRun(context.WithoutCancel(ctx), store.MigrationRun{
		StartedAt:          result.StartedAt,
		FinishedAt:         result.FinishedAt,
		DryRun:             result.DryRun,
		Success:            result.Success,
		RolledBack:         result.RolledBack,
		TotalProcessed:     result.TotalProcessed,
		TotalMigrated:      result.TotalMigrated,
		DuplicatesResolved: result.Statistics.DuplicatesResolved,
		AverageConfidence:  result.Statistics.AverageConfidence,
		BackupRef:          result.BackupRef,
		Errors:             result.Errors,
	})
	if err != nil {
		e.logger.Printf("migration: record run: %v", err)
	}
}

func rowFor(record bridge.Record) store.BridgeRow {
	return store.BridgeRow{
		NodeID:        record.ID,
		Code:          record.Code,
		TypeDigit:     string(record.TypeDigit),
		CapacityDigit: string(record.CapacityDigit),
		OriginalID:    record.ID,
		Confidence:    record.Confidence,
		Source:        string(record.Source),
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

func partition(nodes []tree.Node, size int) [][]tree.Node {
	batches := make([][]tree.Node, 0, (len(nodes)+size-1)/size)
	for start := 0; start < len(nodes); start += size {
		end := min(start+size, len(nodes))
		batches = append(batches, nodes[start:end])
	}
	return batches
}

func (e *Engine) infof(format string, args ...any) {
	if e.cfg.LogLevel == LogSilent {
		return
	}
	e.logger.Printf("migration: %s%s", e.mode(), fmt.Sprintf(format, args...))
}

func (e *Engine) debugf(format string, args ...any) {
	if e.cfg.LogLevel != LogDebug {
		return
	}
	e.logger.Printf("migration: %s%s", e.mode(), fmt.Sprintf(format, args...))
}

func (e *Engine) mode() string {
	if e.cfg.DryRun {
		return "[dry run] "
	}
	return ""
}
