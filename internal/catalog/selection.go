package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ChatSelectionStore scopes which discovered tools are offered to a chat.
// A nil selection means "all tools"; an empty selection means "none".
type ChatSelectionStore interface {
	GetSelectedTools(ctx context.Context, chatID string) ([]string, error)
	AddSelectedTools(ctx context.Context, chatID string, toolIDs []string) ([]string, error)
	RemoveSelectedTools(ctx context.Context, chatID string, toolIDs []string) ([]string, error)
}

// PostgresChatSelectionStore keeps per-chat selections in the chats table as
// a nullable JSONB array (NULL = all tools selected).
type PostgresChatSelectionStore struct {
	db *sql.DB
}

// NewPostgresChatSelectionStore creates a store backed by the given pool.
func NewPostgresChatSelectionStore(db *sql.DB) *PostgresChatSelectionStore {
	return &PostgresChatSelectionStore{db: db}
}

func (s *PostgresChatSelectionStore) GetSelectedTools(ctx context.Context, chatID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT selected_tools FROM chats WHERE id = $1
	`, chatID)

	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("GetSelectedTools: %w", err)
	}
	return decodeSelection(raw)
}

// AddSelectedTools adds tool ids to the chat's selection and returns the
// updated selection. Adding to a NULL ("all") selection narrows it to
// exactly the given ids.
func (s *PostgresChatSelectionStore) AddSelectedTools(ctx context.Context, chatID string, toolIDs []string) ([]string, error) {
	return s.mutate(ctx, chatID, func(current []string) []string {
		seen := make(map[string]bool, len(current))
		for _, id := range current {
			seen[id] = true
		}
		for _, id := range toolIDs {
			if !seen[id] {
				current = append(current, id)
				seen[id] = true
			}
		}
		return current
	})
}

// RemoveSelectedTools removes tool ids from the chat's selection and returns
// the updated selection. Removing from a NULL selection is a no-op that
// keeps "all".
func (s *PostgresChatSelectionStore) RemoveSelectedTools(ctx context.Context, chatID string, toolIDs []string) ([]string, error) {
	drop := make(map[string]bool, len(toolIDs))
	for _, id := range toolIDs {
		drop[id] = true
	}
	return s.mutate(ctx, chatID, func(current []string) []string {
		if current == nil {
			return nil
		}
		kept := current[:0]
		for _, id := range current {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		return kept
	})
}

// mutate runs a read-modify-write of the selection inside one transaction.
func (s *PostgresChatSelectionStore) mutate(ctx context.Context, chatID string, fn func([]string) []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mutate selection: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT selected_tools FROM chats WHERE id = $1 FOR UPDATE
	`, chatID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("mutate selection: %w", err)
	}

	current, err := decodeSelection(raw)
	if err != nil {
		return nil, err
	}

	updated := fn(current)

	var encoded any
	if updated != nil {
		b, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("mutate selection: %w", err)
		}
		encoded = string(b)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET selected_tools = $2 WHERE id = $1
	`, chatID, encoded); err != nil {
		return nil, fmt.Errorf("mutate selection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mutate selection: %w", err)
	}
	return updated, nil
}

func decodeSelection(raw sql.NullString) ([]string, error) {
	if !raw.Valid {
		return nil, nil
	}
	var selection []string
	if err := json.Unmarshal([]byte(raw.String), &selection); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	if selection == nil {
		selection = []string{}
	}
	return selection, nil
}
