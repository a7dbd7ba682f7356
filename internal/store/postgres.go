package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/tree"
)

const DefaultNodeTable = "tree_branch_leaf_nodes"

var ErrNodeNotFound = errors.New("node not found")

// PostgresStore reads the node table owned by the tree store and writes the tbl_*
// bridge columns next to each node. Original node columns are never written.
type PostgresStore struct {
	db    *sql.DB
	table string
}

func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if strings.TrimSpace(table) == "" {
		table = DefaultNodeTable
	}
	return &PostgresStore{db: db, table: pgx.Identifier(strings.Split(table, ".")).Sanitize()}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const nodeColumns = `id, label, type, parent_id, value,
	has_formula, formula_active_id, has_condition, condition_active_id, has_table, table_active_id`

// ListNodes returns the whole node population ordered by id.
func (s *PostgresStore) ListNodes(ctx context.Context) ([]tree.Node, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, nodeColumns, s.table))
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []tree.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// LookupNode resolves one node by id. A missing node is not an error.
func (s *PostgresStore) LookupNode(ctx context.Context, id string) (tree.Node, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, nodeColumns, s.table), id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tree.Node{}, false, nil
	}
	if err != nil {
		return tree.Node{}, false, fmt.Errorf("lookup node %s: %w", id, err)
	}
	return node, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (tree.Node, error) {
	var (
		node                               tree.Node
		nodeType                           string
		parentID                           sql.NullString
		value                              []byte
		hasFormula, hasCondition, hasTable sql.NullBool
		formulaRef, conditionRef, tableRef sql.NullString
	)
	if err := row.Scan(
		&node.ID, &node.Label, &nodeType, &parentID, &value,
		&hasFormula, &formulaRef, &hasCondition, &conditionRef, &hasTable, &tableRef,
	); err != nil {
		return tree.Node{}, err
	}
	node.Type = tree.NodeType(nodeType)
	if parentID.Valid {
		node.ParentID = tree.StringPtr(parentID.String)
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &node.Value); err != nil {
			return tree.Node{}, fmt.Errorf("decode value of %s: %w", node.ID, err)
		}
	}
	node.FormulaPresent = optionalBool(hasFormula)
	node.ConditionPresent = optionalBool(hasCondition)
	node.TablePresent = optionalBool(hasTable)
	node.FormulaRef = formulaRef.String
	node.ConditionRef = conditionRef.String
	node.TableRef = tableRef.String
	return node, nil
}

func optionalBool(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	return tree.BoolPtr(v.Bool)
}

// PrepareStorage adds the bridge columns to the node table. It only ever adds
// columns and is safe to run repeatedly.
func (s *PostgresStore) PrepareStorage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		ALTER TABLE %s
		ADD COLUMN IF NOT EXISTS tbl_code TEXT,
		ADD COLUMN IF NOT EXISTS tbl_type VARCHAR(1),
		ADD COLUMN IF NOT EXISTS tbl_capacity VARCHAR(1),
		ADD COLUMN IF NOT EXISTS tbl_original_id TEXT,
		ADD COLUMN IF NOT EXISTS tbl_created_at TIMESTAMPTZ DEFAULT NOW(),
		ADD COLUMN IF NOT EXISTS tbl_updated_at TIMESTAMPTZ DEFAULT NOW(),
		ADD COLUMN IF NOT EXISTS tbl_confidence INTEGER DEFAULT 100,
		ADD COLUMN IF NOT EXISTS tbl_source VARCHAR(20) DEFAULT 'auto'
	`, s.table))
	if err != nil {
		return fmt.Errorf("prepare bridge columns: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveBridgeRow(ctx context.Context, row BridgeRow) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET tbl_code=$2, tbl_type=$3, tbl_capacity=$4, tbl_original_id=$5,
			tbl_created_at=$6, tbl_updated_at=$7, tbl_confidence=$8, tbl_source=$9
		WHERE id=$1
	`, s.table), row.NodeID, row.Code, row.TypeDigit, row.CapacityDigit, row.OriginalID,
		row.CreatedAt, row.UpdatedAt, row.Confidence, row.Source)
	if err != nil {
		return fmt.Errorf("save bridge row %s: %w", row.NodeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save bridge row %s rows: %w", row.NodeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("save bridge row: %w: %s", ErrNodeNotFound, row.NodeID)
	}
	return nil
}

// ListBridgeRows returns the bridge data of every node that has a code.
func (s *PostgresStore) ListBridgeRows(ctx context.Context) ([]BridgeRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tbl_code, COALESCE(tbl_type, ''), COALESCE(tbl_capacity, ''), COALESCE(tbl_original_id, ''),
			COALESCE(tbl_confidence, 0), COALESCE(tbl_source, ''),
			COALESCE(tbl_created_at, NOW()), COALESCE(tbl_updated_at, NOW())
		FROM %s
		WHERE tbl_code IS NOT NULL
		ORDER BY id ASC
	`, s.table))
	if err != nil {
		if isUndefinedColumn(err) {
			return []BridgeRow{}, nil
		}
		return nil, fmt.Errorf("list bridge rows: %w", err)
	}
	defer rows.Close()

	out := []BridgeRow{}
	for rows.Next() {
		var row BridgeRow
		if err := rows.Scan(&row.NodeID, &row.Code, &row.TypeDigit, &row.CapacityDigit, &row.OriginalID,
			&row.Confidence, &row.Source, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan bridge row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bridge rows: %w", err)
	}
	return out, nil
}

// ClearBridgeRows nulls every bridge column in one transaction and reports how many
// nodes carried a code.
func (s *PostgresStore) ClearBridgeRows(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin clear tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var coded int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tbl_code IS NOT NULL`, s.table)).Scan(&coded)
	if err != nil {
		if isUndefinedColumn(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count coded rows: %w", err)
	}

	// Column defaults fill confidence, source and timestamps on uncoded nodes too,
	// so the clear covers every row.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET tbl_code=NULL, tbl_type=NULL, tbl_capacity=NULL, tbl_original_id=NULL,
			tbl_created_at=NULL, tbl_updated_at=NULL, tbl_confidence=NULL, tbl_source=NULL
	`, s.table)); err != nil {
		return 0, fmt.Errorf("clear bridge rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear tx: %w", err)
	}
	return coded, nil
}

// Integrity derives the three post-migration properties from persisted state: node
// count against coded count, duplicated codes, and codes that fail the code format.
func (s *PostgresStore) Integrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COUNT(tbl_code) FROM %s
	`, s.table)).Scan(&report.Nodes, &report.Coded)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("count coded nodes: %w", err)
	}

	report.DuplicateCodes, err = s.codes(ctx, fmt.Sprintf(`
		SELECT tbl_code FROM %s
		WHERE tbl_code IS NOT NULL
		GROUP BY tbl_code
		HAVING COUNT(*) > 1
		ORDER BY tbl_code
	`, s.table))
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("find duplicate codes: %w", err)
	}

	report.InvalidCodes, err = s.codes(ctx, fmt.Sprintf(`
		SELECT tbl_code FROM %s
		WHERE tbl_code IS NOT NULL AND tbl_code !~ $1
		ORDER BY tbl_code
	`, s.table), codec.Pattern.String())
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("find invalid codes: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) codes(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordRun(ctx context.Context, run MigrationRun) (int64, error) {
	errorsJSON, err := json.Marshal(nonNilStrings(run.Errors))
	if err != nil {
		return 0, fmt.Errorf("encode run errors: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO bridge_migration_runs (
			started_at, finished_at, dry_run, success, rolled_back, total_processed,
			total_migrated, duplicates_resolved, average_confidence, backup_ref, errors
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		RETURNING id
	`, run.StartedAt, run.FinishedAt, run.DryRun, run.Success, run.RolledBack, run.TotalProcessed,
		run.TotalMigrated, run.DuplicatesResolved, run.AverageConfidence, run.BackupRef, string(errorsJSON)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert migration run: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]MigrationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, dry_run, success, rolled_back, total_processed,
			total_migrated, duplicates_resolved, average_confidence, backup_ref, errors
		FROM bridge_migration_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list migration runs: %w", err)
	}
	defer rows.Close()

	out := []MigrationRun{}
	for rows.Next() {
		var (
			run        MigrationRun
			errorsJSON []byte
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.DryRun, &run.Success, &run.RolledBack,
			&run.TotalProcessed, &run.TotalMigrated, &run.DuplicatesResolved, &run.AverageConfidence,
			&run.BackupRef, &errorsJSON); err != nil {
			return nil, fmt.Errorf("scan migration run: %w", err)
		}
		if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
			return nil, fmt.Errorf("decode migration run errors: %w", err)
		}
		run.StartedAt = run.StartedAt.UTC()
		run.FinishedAt = run.FinishedAt.UTC()
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration runs: %w", err)
	}
	return out, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// isUndefinedColumn reports that the bridge columns were never added, so there is
// nothing to read or clear.
func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}
