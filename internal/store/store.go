// Package store provides database access with row-level workspace isolation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"

	"github.com/samhotchkiss/prompt-loom/internal/middleware"
)

var (
	// ErrNoWorkspace is returned when a workspace ID is required but not present.
	ErrNoWorkspace = errors.New("workspace ID not found in context")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
)

var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// WithWorkspace sets the app.org_id session variable for RLS policies.
// This must be called before any query that uses RLS-protected tables.
// The caller owns the returned connection and must close it.
func WithWorkspace(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	_, err = conn.ExecContext(ctx, "SET LOCAL app.org_id = $1", workspaceID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set workspace: %w", err)
	}

	return conn, nil
}
