package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres implements Store on a pgx connection pool. Each write is a
// single statement with RETURNING, so the monotonic-revision invariant
// holds under concurrent writers without explicit row locks.
type Postgres struct {
	DB *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

func (s *Postgres) List(ctx context.Context, userID string) ([]Meta, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT conversation_id, revision, deleted, updated_at
		FROM conversation
		WHERE user_id = $1
		ORDER BY updated_at DESC, conversation_id
	`, userID)
	if err != nil {
		log.Error().Err(err).Msg("list conversations query failed")
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Meta, 0, 32)
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ConversationID, &m.Revision, &m.Deleted, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return items, nil
}

func (s *Postgres) Get(ctx context.Context, userID, conversationID string) (*Record, error) {
	rec := Record{Meta: Meta{ConversationID: conversationID}}
	err := s.DB.QueryRow(ctx, `
		SELECT revision, deleted, data, updated_at
		FROM conversation
		WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID).Scan(&rec.Revision, &rec.Deleted, &rec.Data, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("conversationId", conversationID).Msg("get conversation failed")
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &rec, nil
}

func (s *Postgres) Upsert(ctx context.Context, userID, conversationID string, baseRevision *int64, data []byte) (int64, error) {
	var rev int64
	if baseRevision == nil {
		// Create semantics: never overwrite an existing row.
		err := s.DB.QueryRow(ctx, `
			INSERT INTO conversation (user_id, conversation_id, revision, deleted, data)
			VALUES ($1, $2, 1, false, $3)
			ON CONFLICT (user_id, conversation_id) DO NOTHING
			RETURNING revision
		`, userID, conversationID, data).Scan(&rev)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, s.writeMiss(ctx, userID, conversationID)
		}
		if err != nil {
			return 0, fmt.Errorf("insert conversation: %w", err)
		}
		return rev, nil
	}

	err := s.DB.QueryRow(ctx, `
		UPDATE conversation
		SET revision = revision + 1, deleted = false, data = $4, updated_at = now()
		WHERE user_id = $1 AND conversation_id = $2 AND revision = $3
		RETURNING revision
	`, userID, conversationID, *baseRevision, data).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.writeMiss(ctx, userID, conversationID)
	}
	if err != nil {
		return 0, fmt.Errorf("update conversation: %w", err)
	}
	return rev, nil
}

func (s *Postgres) Tombstone(ctx context.Context, userID, conversationID string, baseRevision *int64) (int64, error) {
	var rev int64
	if baseRevision == nil {
		err := s.DB.QueryRow(ctx, `
			INSERT INTO conversation (user_id, conversation_id, revision, deleted, data)
			VALUES ($1, $2, 1, true, NULL)
			ON CONFLICT (user_id, conversation_id) DO NOTHING
			RETURNING revision
		`, userID, conversationID).Scan(&rev)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, s.writeMiss(ctx, userID, conversationID)
		}
		if err != nil {
			return 0, fmt.Errorf("insert tombstone: %w", err)
		}
		return rev, nil
	}

	err := s.DB.QueryRow(ctx, `
		UPDATE conversation
		SET revision = revision + 1, deleted = true, data = NULL, updated_at = now()
		WHERE user_id = $1 AND conversation_id = $2 AND revision = $3
		RETURNING revision
	`, userID, conversationID, *baseRevision).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.writeMiss(ctx, userID, conversationID)
	}
	if err != nil {
		return 0, fmt.Errorf("update tombstone: %w", err)
	}
	return rev, nil
}

// writeMiss classifies a zero-row write: the row is either absent
// (ErrNotFound) or at a different revision (ConflictError). Rows are
// never physically removed, so a row seen by a failed create is still
// there for the probe.
func (s *Postgres) writeMiss(ctx context.Context, userID, conversationID string) error {
	var rev int64
	var deleted bool
	err := s.DB.QueryRow(ctx, `
		SELECT revision, deleted
		FROM conversation
		WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID).Scan(&rev, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("probe conversation: %w", err)
	}
	return &ConflictError{Revision: rev, Deleted: deleted}
}
