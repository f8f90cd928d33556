package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	position        INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	model_id        TEXT NOT NULL DEFAULT '',
	usage           JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (conversation_id, position)
);`

// Postgres persists materialized conversations in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the tables when they are missing.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// SaveConversationMetadata upserts conv and its messages in one transaction.
func (p *Postgres) SaveConversationMetadata(ctx context.Context, conv models.Conversation) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, title, token_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, token_count = EXCLUDED.token_count, updated_at = EXCLUDED.updated_at`,
		conv.ID, conv.Title, conv.TokenCount, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for i, msg := range conv.Messages {
		var usage []byte
		if msg.Usage != nil {
			if usage, err = json.Marshal(msg.Usage); err != nil {
				return fmt.Errorf("marshal usage: %w", err)
			}
		}
		batch.Queue(`
			INSERT INTO conversation_messages (id, conversation_id, position, role, content, model_id, usage, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			msg.ID, conv.ID, i, string(msg.Role), msg.Content, msg.ModelID, usage, msg.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Conversations returns every stored conversation with its messages, oldest first.
func (p *Postgres) Conversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, title, token_count, created_at, updated_at
		FROM conversations
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	index := make(map[string]int)
	for rows.Next() {
		conv := models.Conversation{Messages: []models.Message{}}
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.TokenCount, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		index[conv.ID] = len(convs)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	msgRows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, model_id, usage, created_at
		FROM conversation_messages
		ORDER BY conversation_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			msg   models.Message
			role  string
			usage []byte
		)
		if err := msgRows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.ModelID, &usage, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if len(usage) > 0 {
			msg.Usage = &models.Usage{}
			if err := json.Unmarshal(usage, msg.Usage); err != nil {
				return nil, fmt.Errorf("unmarshal usage: %w", err)
			}
		}

		i, ok := index[msg.ConversationID]
		if !ok {
			continue
		}
		convs[i].Messages = append(convs[i].Messages, msg)
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return convs, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
