package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/prompt-loom/internal/assembly"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
)

const defaultSnapshotListLimit = 50

// SnapshotStore persists assembly snapshots. Rows are insert-only; a
// snapshot is never updated after the run that produced it.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// snapshotDetail is the JSONB payload for the event lists; the scalar
// fields get their own columns so they can be filtered on.
type snapshotDetail struct {
	Allocations   []assembly.AllocationRecord   `json:"allocations"`
	Condensations []assembly.CondensationEvent  `json:"condensations"`
	FiredRules    []string                      `json:"fired_rules"`
	Reallocations []assembly.ReallocationEvent  `json:"reallocations"`
	Skipped       []assembly.SkippedContributor `json:"skipped_contributors"`
}

// Insert records one finished assembly run.
func (s *SnapshotStore) Insert(ctx context.Context, snap *assembly.Snapshot) error {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return ErrNoWorkspace
	}

	detail, err := json.Marshal(snapshotDetail{
		Allocations:   snap.Allocations,
		Condensations: snap.Condensations,
		FiredRules:    snap.FiredRules,
		Reallocations: snap.Reallocations,
		Skipped:       snap.Skipped,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot detail: %w", err)
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(
		ctx,
		`INSERT INTO assembly_snapshots
		        (id, org_id, composition_id, model_ceiling, output_reserve, available_budget,
		         total_used, utilization_pct, over_budget, incomplete, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		snap.ID,
		workspaceID,
		nullableUUID(snap.CompositionID),
		snap.ModelCeiling,
		snap.OutputReserve,
		snap.AvailableBudget,
		snap.TotalUsed,
		snap.UtilizationPct,
		snap.OverBudget,
		snap.Incomplete,
		detail,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Get loads one snapshot by id.
func (s *SnapshotStore) Get(ctx context.Context, id string) (*assembly.Snapshot, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}
	id = strings.TrimSpace(id)
	if !uuidRegex.MatchString(id) {
		return nil, ErrNotFound
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	row := conn.QueryRowContext(
		ctx,
		`SELECT id::text, COALESCE(composition_id::text, ''), model_ceiling, output_reserve,
		        available_budget, total_used, utilization_pct, over_budget, incomplete,
		        detail, created_at
		   FROM assembly_snapshots
		  WHERE org_id = $1 AND id = $2`,
		workspaceID,
		id,
	)
	return scanSnapshot(row)
}

// List returns recent snapshots, optionally filtered to one composition.
func (s *SnapshotStore) List(ctx context.Context, compositionID string, limit int) ([]assembly.Snapshot, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}
	if limit <= 0 {
		limit = defaultSnapshotListLimit
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := `SELECT id::text, COALESCE(composition_id::text, ''), model_ceiling, output_reserve,
	                 available_budget, total_used, utilization_pct, over_budget, incomplete,
	                 detail, created_at
	            FROM assembly_snapshots
	           WHERE org_id = $1`
	args := []any{workspaceID}
	if compositionID != "" {
		if !uuidRegex.MatchString(compositionID) {
			return nil, ErrNotFound
		}
		query += ` AND composition_id = $2`
		args = append(args, compositionID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []assembly.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes snapshots created before the cutoff, across all
// workspaces. Used by the retention worker.
func (s *SnapshotStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM assembly_snapshots WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func scanSnapshot(row rowScanner) (*assembly.Snapshot, error) {
	var snap assembly.Snapshot
	var detail []byte
	err := row.Scan(
		&snap.ID,
		&snap.CompositionID,
		&snap.ModelCeiling,
		&snap.OutputReserve,
		&snap.AvailableBudget,
		&snap.TotalUsed,
		&snap.UtilizationPct,
		&snap.OverBudget,
		&snap.Incomplete,
		&detail,
		&snap.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	var decoded snapshotDetail
	if err := json.Unmarshal(detail, &decoded); err != nil {
		return nil, fmt.Errorf("decode snapshot detail: %w", err)
	}
	snap.Allocations = decoded.Allocations
	snap.Condensations = decoded.Condensations
	snap.FiredRules = decoded.FiredRules
	snap.Reallocations = decoded.Reallocations
	snap.Skipped = decoded.Skipped
	return &snap, nil
}

func nullableUUID(id string) any {
	if strings.TrimSpace(id) == "" || !uuidRegex.MatchString(id) {
		return nil
	}
	return id
}
