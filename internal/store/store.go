// Package store is the relay's persistence layer: Postgres holds session
// snapshots so late joiners get the last observed write, and Redis carries
// the cross-node room relay plus capped chat history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

const chatHistoryLimit = 500

// Snapshot is the persisted state of one session: the latest document,
// language, and execution output the backend has observed.
type Snapshot struct {
	ProjectID  string
	Document   string
	Language   string
	LastOutput *protocol.ExecutionResult
	UpdatedAt  time.Time
}

// Store bundles the Postgres pool and Redis client.
type Store struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to both backends and verifies them with pings.
func New(ctx context.Context, databaseURL, redisAddr string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{pool: pool, rdb: rdb, logger: logger}, nil
}

// Migrate creates the sessions table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			project_id  TEXT PRIMARY KEY,
			document    TEXT NOT NULL DEFAULT '',
			language    TEXT NOT NULL DEFAULT 'javascript',
			last_output JSONB,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

// LoadSnapshot fetches a session snapshot, or nil if the session has never
// been persisted.
func (s *Store) LoadSnapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	snap := Snapshot{ProjectID: projectID}
	var lastOutput []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document, language, last_output, updated_at FROM sessions WHERE project_id = $1`,
		projectID,
	).Scan(&snap.Document, &snap.Language, &lastOutput, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", projectID, err)
	}
	if len(lastOutput) > 0 {
		var out protocol.ExecutionResult
		if err := json.Unmarshal(lastOutput, &out); err == nil {
			snap.LastOutput = &out
		}
	}
	return &snap, nil
}

// SaveSnapshot upserts a session's latest state.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	var lastOutput []byte
	if snap.LastOutput != nil {
		var err error
		lastOutput, err = json.Marshal(snap.LastOutput)
		if err != nil {
			return fmt.Errorf("encode last output: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (project_id, document, language, last_output, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (project_id) DO UPDATE
		SET document = EXCLUDED.document,
		    language = EXCLUDED.language,
		    last_output = COALESCE(EXCLUDED.last_output, sessions.last_output),
		    updated_at = now()`,
		snap.ProjectID, snap.Document, snap.Language, lastOutput)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ProjectID, err)
	}
	return nil
}

func chatKey(projectID string) string     { return "chat:" + projectID }
func roomChannel(projectID string) string { return "room:" + projectID }

// AppendChat pushes a message onto the session's capped history list.
func (s *Store) AppendChat(ctx context.Context, projectID string, msg protocol.ChatMessage) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, chatKey(projectID), buf)
	pipe.LTrim(ctx, chatKey(projectID), -chatHistoryLimit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append chat %s: %w", projectID, err)
	}
	return nil
}

// RecentChat returns up to n most recent messages, oldest first.
func (s *Store) RecentChat(ctx context.Context, projectID string, n int) ([]protocol.ChatMessage, error) {
	raw, err := s.rdb.LRange(ctx, chatKey(projectID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat history %s: %w", projectID, err)
	}
	msgs := make([]protocol.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg protocol.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("skipping malformed chat history entry", "project", projectID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// relayMessage wraps a room broadcast for cross-node delivery. NodeID lets
// subscribers skip messages that originated locally.
type relayMessage struct {
	NodeID  string          `json:"nodeId"`
	Payload json.RawMessage `json:"payload"`
}

// PublishRoom fans a room broadcast out to the other relay nodes.
func (s *Store) PublishRoom(ctx context.Context, projectID, nodeID string, payload []byte) error {
	buf, err := json.Marshal(relayMessage{NodeID: nodeID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := s.rdb.Publish(ctx, roomChannel(projectID), buf).Err(); err != nil {
		return fmt.Errorf("publish room %s: %w", projectID, err)
	}
	return nil
}

// SubscribeRoom streams broadcasts for a room that originated on other
// nodes. The returned cancel func closes the subscription and the channel.
func (s *Store) SubscribeRoom(ctx context.Context, projectID, nodeID string) (<-chan []byte, func()) {
	pubsub := s.rdb.Subscribe(ctx, roomChannel(projectID))
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var rm relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				s.logger.Warn("malformed relay message", "project", projectID, "error", err)
				continue
			}
			if rm.NodeID == nodeID {
				continue
			}
			select {
			case out <- rm.Payload:
			default:
				s.logger.Warn("relay buffer full, dropping message", "project", projectID)
			}
		}
	}()
	return out, func() { pubsub.Close() }
}

// Close releases both backends.
func (s *Store) Close() {
	s.pool.Close()
	s.rdb.Close()
}
