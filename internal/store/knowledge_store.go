package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/contrib"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
)

// KnowledgeStore keeps scored knowledge entries per workspace. It satisfies
// contrib.Retriever, so the retrieval contributor can read and purge it.
type KnowledgeStore struct {
	db *sql.DB
}

func NewKnowledgeStore(db *sql.DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

// Insert adds one knowledge entry under a scope.
func (s *KnowledgeStore) Insert(ctx context.Context, scope, title, content string, score float64) error {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return ErrNoWorkspace
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(
		ctx,
		`INSERT INTO knowledge_entries (org_id, scope, title, content, score)
		 VALUES ($1, $2, $3, $4, $5)`,
		workspaceID, scope, title, content, score,
	)
	if err != nil {
		return fmt.Errorf("insert knowledge entry: %w", err)
	}
	return nil
}

// Search returns the best-scored entries matching the query text. An empty
// query returns the top-scored entries unfiltered.
func (s *KnowledgeStore) Search(ctx context.Context, query string, limit int) ([]contrib.KnowledgeEntry, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}
	if limit <= 0 {
		limit = 20
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	sqlQuery := `SELECT title, content, score
	   FROM knowledge_entries
	  WHERE org_id = $1`
	args := []any{workspaceID}
	if strings.TrimSpace(query) != "" {
		sqlQuery += ` AND (title ILIKE $2 OR content ILIKE $2)`
		args = append(args, "%"+strings.TrimSpace(query)+"%")
	}
	sqlQuery += fmt.Sprintf(` ORDER BY score DESC, id ASC LIMIT %d`, limit)

	rows, err := conn.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var out []contrib.KnowledgeEntry
	for rows.Next() {
		var e contrib.KnowledgeEntry
		if err := rows.Scan(&e.Title, &e.Content, &e.Score); err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeScope deletes every entry under a scope; an empty scope clears the
// whole workspace.
func (s *KnowledgeStore) PurgeScope(ctx context.Context, scope string) (int, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return 0, ErrNoWorkspace
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	query := `DELETE FROM knowledge_entries WHERE org_id = $1`
	args := []any{workspaceID}
	if strings.TrimSpace(scope) != "" {
		query += ` AND scope = $2`
		args = append(args, scope)
	}

	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge knowledge scope: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
