package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// tier1Schema holds working memory: bounded conversation history.
var tier1Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0 CHECK (quality_score >= 0 AND quality_score <= 10)
	)`,
	`CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'tool')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		token_estimate INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
}

// Conversation is one tier-1 conversation header.
type Conversation struct {
	ID           string
	Title        string
	StartedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	QualityScore float64
}

// Turn is one stored conversation turn.
type Turn struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
	TokenEstimate  int
}

const appendStripes = 64

// Tier1Store is the working-memory adapter. Appends to the same
// conversation are serialized through a striped lock so ordering is
// total per conversation; different conversations append concurrently.
type Tier1Store struct {
	db       *sql.DB
	capacity int
	window   time.Duration
	stripes  [appendStripes]sync.Mutex
}

// NewTier1Store opens (or creates) the working-memory database.
func NewTier1Store(path string, capacity int, activityWindow time.Duration) (*Tier1Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db, tier1Schema); err != nil {
		db.Close()
		return nil, types.NewError(types.KindStorageUnavailable, "tier1 schema", err)
	}
	if err := ensureSchemaVersion(db, "tier1"); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Tier 1 working memory ready (capacity %d)", capacity)
	return &Tier1Store{db: db, capacity: capacity, window: activityWindow}, nil
}

// Close releases the database handle.
func (s *Tier1Store) Close() error { return s.db.Close() }

func (s *Tier1Store) stripe(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &s.stripes[h.Sum32()%appendStripes]
}

// AppendTurn appends one turn, creating the conversation if needed.
// Passing an empty conversationID starts a new conversation. Turn
// timestamps within a conversation are strictly monotonic even when the
// wall clock stalls or steps backwards.
func (s *Tier1Store) AppendTurn(ctx context.Context, conversationID, role, content string) (*Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier1.AppendTurn")
	defer timer.Stop()

	if role != "user" && role != "assistant" && role != "tool" {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	mu := s.stripe(conversationID)
	mu.Lock()
	defer mu.Unlock()

	var turn *Turn
	err := withRetry(ctx, "AppendTurn", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			now := nowMillis()

			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO conversations (id, title, started_at, updated_at, message_count)
					 VALUES (?, ?, ?, ?, 0)`,
					conversationID, deriveTitle(content), now, now); err != nil {
					return fmt.Errorf("create conversation: %w", err)
				}
			} else if err != nil {
				return fmt.Errorf("lookup conversation: %w", err)
			}

			// Clock guard: never emit a timestamp at or below the last
			// turn of this conversation.
			var last sql.NullInt64
			if err := tx.QueryRowContext(ctx,
				"SELECT MAX(created_at) FROM turns WHERE conversation_id = ?",
				conversationID).Scan(&last); err != nil {
				return fmt.Errorf("read last turn time: %w", err)
			}
			if last.Valid && now <= last.Int64 {
				now = last.Int64 + 1
			}

			turnID := uuid.NewString()
			tokens := CountTokens(content)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO turns (turn_id, conversation_id, role, content, created_at, token_estimate)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				turnID, conversationID, role, content, now, tokens); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations
				 SET updated_at = ?, message_count = message_count + 1
				 WHERE id = ?`,
				now, conversationID); err != nil {
				return fmt.Errorf("bump conversation: %w", err)
			}

			turn = &Turn{
				ID:             turnID,
				ConversationID: conversationID,
				Role:           role,
				Content:        content,
				CreatedAt:      millisToTime(now),
				TokenEstimate:  tokens,
			}
			return nil
		})
	})
	if err != nil {
		return nil, types.StorageErr("append turn", err)
	}
	logging.StoreDebug("Appended %s turn to %s", role, conversationID)
	return turn, nil
}

func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

// Conversation loads one conversation header.
func (s *Tier1Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, started_at, updated_at, message_count, quality_score
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var started, updated int64
	err := row.Scan(&c.ID, &c.Title, &started, &updated, &c.MessageCount, &c.QualityScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StorageErr("scan conversation", err)
	}
	c.StartedAt = millisToTime(started)
	c.UpdatedAt = millisToTime(updated)
	return &c, nil
}

// Turns returns a conversation's turns in append order. Timestamps are
// strictly monotonic per conversation, so created_at is the total
// order.
func (s *Tier1Store) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, conversation_id, role, content, created_at, token_estimate
		 FROM turns WHERE conversation_id = ? ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, types.StorageErr("query turns", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

// RecentTurns returns the newest turns, oldest first. With a
// conversation id it scopes to that conversation; empty id falls back
// to the most recently updated conversation.
func (s *Tier1Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 5
	}
	if conversationID == "" {
		err := s.db.QueryRowContext(ctx,
			"SELECT id FROM conversations ORDER BY updated_at DESC LIMIT 1").Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, types.StorageErr("find recent conversation", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, conversation_id, role, content, created_at, token_estimate FROM (
			SELECT turn_id, conversation_id, role, content, created_at, token_estimate
			FROM turns WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`, conversationID, limit)
	if err != nil {
		return nil, types.StorageErr("query recent turns", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

func collectTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		var created int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content,
			&created, &t.TokenEstimate); err != nil {
			return nil, types.StorageErr("scan turn", err)
		}
		t.CreatedAt = millisToTime(created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ConversationCount is the single authoritative tier-1 size counter.
// Every conversation row counts, titled or not.
func (s *Tier1Store) ConversationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n); err != nil {
		return 0, types.StorageErr("count conversations", err)
	}
	return n, nil
}

// SetQualityScore records a conversation quality score in [0,10].
func (s *Tier1Store) SetQualityScore(ctx context.Context, id string, score float64) error {
	if score < 0 || score > 10 {
		return fmt.Errorf("quality score %f out of range", score)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET quality_score = ? WHERE id = ?", score, id)
	if err != nil {
		return types.StorageErr("set quality score", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// EvictIfOverCapacity enforces the conversation ceiling. While the
// count exceeds capacity it removes the oldest conversation whose last
// activity falls outside the activity window; the conversation still in
// active use is never a candidate. Each eviction removes the header and
// its turns in one transaction. Returns the evicted headers.
func (s *Tier1Store) EvictIfOverCapacity(ctx context.Context, now time.Time) ([]Conversation, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier1.Evict")
	defer timer.Stop()

	var evicted []Conversation
	cutoff := now.Add(-s.window).UnixMilli()

	for {
		count, err := s.ConversationCount(ctx)
		if err != nil {
			return evicted, err
		}
		if count <= s.capacity {
			return evicted, nil
		}

		var victim *Conversation
		err = inTx(ctx, s.db, func(tx *sql.Tx) error {
			var c Conversation
			var started, updated int64
			err := tx.QueryRowContext(ctx,
				`SELECT id, title, started_at, updated_at, message_count, quality_score
				 FROM conversations
				 WHERE updated_at < ?
				 ORDER BY updated_at ASC LIMIT 1`, cutoff).
				Scan(&c.ID, &c.Title, &started, &updated, &c.MessageCount, &c.QualityScore)
			if errors.Is(err, sql.ErrNoRows) {
				// Everything left is active; run over capacity rather
				// than evict live context.
				victim = nil
				return nil
			}
			if err != nil {
				return fmt.Errorf("pick eviction victim: %w", err)
			}
			c.StartedAt = millisToTime(started)
			c.UpdatedAt = millisToTime(updated)

			if _, err := tx.ExecContext(ctx,
				"DELETE FROM turns WHERE conversation_id = ?", c.ID); err != nil {
				return fmt.Errorf("delete turns: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM conversations WHERE id = ?", c.ID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			victim = &c
			return nil
		})
		if err != nil {
			return evicted, types.StorageErr("evict conversation", err)
		}
		if victim == nil {
			logging.Store("Tier 1 over capacity but all conversations active; eviction deferred")
			return evicted, nil
		}
		logging.Store("Evicted conversation %s (%d messages, idle since %v)",
			victim.ID, victim.MessageCount, victim.UpdatedAt)
		evicted = append(evicted, *victim)
	}
}

// Capacity reports the configured ceiling.
func (s *Tier1Store) Capacity() int { return s.capacity }
