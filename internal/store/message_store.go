package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/samhotchkiss/prompt-loom/internal/contrib"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
)

// MessageStore persists conversation turns and serves them to the history
// contributor. It satisfies contrib.MessageSource.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append records one conversation turn for a session.
func (s *MessageStore) Append(ctx context.Context, sessionID, role, content string) error {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return ErrNoWorkspace
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(
		ctx,
		`INSERT INTO workflow_messages (org_id, session_id, role, content)
		 VALUES ($1, $2, $3, $4)`,
		workspaceID, sessionID, role, content,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the latest turns for a session, newest first, as
// the history contributor expects.
func (s *MessageStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]contrib.Message, error) {
	workspaceID := middleware.WorkspaceFromContext(ctx)
	if workspaceID == "" {
		return nil, ErrNoWorkspace
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	conn, err := WithWorkspace(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(
		ctx,
		fmt.Sprintf(`SELECT role, content
		   FROM workflow_messages
		  WHERE org_id = $1 AND session_id = $2
		  ORDER BY created_at DESC, id DESC
		  LIMIT %d`, limit),
		workspaceID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []contrib.Message
	for rows.Next() {
		var m contrib.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
