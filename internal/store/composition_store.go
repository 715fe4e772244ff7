package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
)

// CompositionStore persists compositions. Invalid compositions are rejected
// here, at write time, so the orchestrator never sees one.
type CompositionStore struct {
	db *sql.DB
}

// StoredComposition is a composition row with its persistence metadata.
type StoredComposition struct {
	composition.Composition
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func NewCompositionStore(db *sql.DB) *CompositionStore {
	return &CompositionStore{db: db}
}

// Create validates and inserts a composition, returning the generated id.
func (s *CompositionStore) Create(ctx context.Context, comp *composition.Composition) (*StoredComposition, error) {
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}

	entries, order, rules, err := marshalCompositionFields(comp)
	if err != nil {
		return nil, err
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stored := StoredComposition{Composition: *comp, Version: 1}
	err = conn.QueryRowContext(
		ctx,
		`INSERT INTO compositions (org_id, name, output_reserve_pct, entries, condensation_order, rules)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id::text, version, created_at::text, updated_at::text`,
		workspaceID,
		comp.Name,
		comp.OutputReservePct,
		entries,
		order,
		rules,
	).Scan(&stored.ID, &stored.Version, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "compositions_org_id_name_key") {
			return nil, fmt.Errorf("composition %q already exists", comp.Name)
		}
		return nil, fmt.Errorf("insert composition: %w", err)
	}
	return &stored, nil
}

// Get loads one composition by id.
func (s *CompositionStore) Get(ctx context.Context, id string) (*StoredComposition, error) {
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
		`SELECT id::text, name, output_reserve_pct, entries, condensation_order, rules,
		        version, created_at::text, updated_at::text
		   FROM compositions
		  WHERE org_id = $1 AND id = $2`,
		workspaceID,
		id,
	)
	return scanComposition(row)
}

// List returns all compositions for the workspace, newest first.
func (s *CompositionStore) List(ctx context.Context) ([]StoredComposition, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(
		ctx,
		`SELECT id::text, name, output_reserve_pct, entries, condensation_order, rules,
		        version, created_at::text, updated_at::text
		   FROM compositions
		  WHERE org_id = $1
		  ORDER BY created_at DESC, id DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list compositions: %w", err)
	}
	defer rows.Close()

	var out []StoredComposition
	for rows.Next() {
		stored, err := scanComposition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	return out, rows.Err()
}

// Update validates and replaces a composition's configuration, bumping its
// version.
func (s *CompositionStore) Update(ctx context.Context, comp *composition.Composition) (*StoredComposition, error) {
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}
	if !uuidRegex.MatchString(strings.TrimSpace(comp.ID)) {
		return nil, ErrNotFound
	}

	entries, order, rules, err := marshalCompositionFields(comp)
	if err != nil {
		return nil, err
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stored := StoredComposition{Composition: *comp}
	err = conn.QueryRowContext(
		ctx,
		`UPDATE compositions
		    SET name = $3,
		        output_reserve_pct = $4,
		        entries = $5,
		        condensation_order = $6,
		        rules = $7,
		        version = version + 1,
		        updated_at = NOW()
		  WHERE org_id = $1 AND id = $2
		 RETURNING version, created_at::text, updated_at::text`,
		workspaceID,
		comp.ID,
		comp.Name,
		comp.OutputReservePct,
		entries,
		order,
		rules,
	).Scan(&stored.Version, &stored.CreatedAt, &stored.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update composition: %w", err)
	}
	return &stored, nil
}

// Delete removes a composition.
func (s *CompositionStore) Delete(ctx context.Context, id string) error {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return ErrNoWorkspace
	}
	id = strings.TrimSpace(id)
	if !uuidRegex.MatchString(id) {
		return ErrNotFound
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return err
	}
	defer conn.Close()

	result, err := conn.ExecContext(
		ctx,
		`DELETE FROM compositions WHERE org_id = $1 AND id = $2`,
		workspaceID,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete composition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComposition(row rowScanner) (*StoredComposition, error) {
	var stored StoredComposition
	var entries, order, rules []byte
	err := row.Scan(
		&stored.ID,
		&stored.Name,
		&stored.OutputReservePct,
		&entries,
		&order,
		&rules,
		&stored.Version,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan composition: %w", err)
	}

	if err := json.Unmarshal(entries, &stored.Entries); err != nil {
		return nil, fmt.Errorf("decode composition entries: %w", err)
	}
	if err := json.Unmarshal(order, &stored.CondensationOrder); err != nil {
		return nil, fmt.Errorf("decode condensation order: %w", err)
	}
	if err := json.Unmarshal(rules, &stored.Rules); err != nil {
		return nil, fmt.Errorf("decode composition rules: %w", err)
	}
	return &stored, nil
}

func marshalCompositionFields(comp *composition.Composition) (entries, order, rules []byte, err error) {
	entries, err = json.Marshal(comp.Entries)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode composition entries: %w", err)
	}
	if comp.CondensationOrder == nil {
		order = []byte("[]")
	} else if order, err = json.Marshal(comp.CondensationOrder); err != nil {
		return nil, nil, nil, fmt.Errorf("encode condensation order: %w", err)
	}
	if comp.Rules == nil {
		rules = []byte("[]")
	} else if rules, err = json.Marshal(comp.Rules); err != nil {
		return nil, nil, nil, fmt.Errorf("encode composition rules: %w", err)
	}
	return entries, order, rules, nil
}
