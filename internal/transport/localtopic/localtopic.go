// Package localtopic is a SQLite-backed topic log that stands in for the
// consensus service during development. Several processes may share one
// file: sequence numbers are assigned inside a write transaction.
package localtopic

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/hcsagent/internal/transport"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = time.RFC3339Nano

// Log is a transport.Transport persisted in SQLite.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

var _ transport.Transport = (*Log)(nil)

// Open creates or opens the topic log at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topic log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to topic log: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// SetClock replaces the consensus timestamp source.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Close closes the database connection.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// CreateTopic allocates a topic id of the form 0.0.N.
func (l *Log) CreateTopic(ctx context.Context) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(num), 0) + 1 FROM topics`).Scan(&next); err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	id := fmt.Sprintf("0.0.%d", next)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topics (num, id, created_at) VALUES (?, ?, ?)
	`, next, id, l.now().UTC().Format(timeLayout)); err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// EnsureTopic registers a topic under a caller-chosen id.
// Uses ON CONFLICT DO NOTHING - existing topics are left untouched.
func (l *Log) EnsureTopic(ctx context.Context, id, memo string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO topics (id, memo, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, memo, l.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("ensure topic: %w", err)
	}
	return nil
}

// SendMessage appends payload to the topic and returns its sequence number.
func (l *Log) SendMessage(ctx context.Context, topicID string, payload []byte) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := topicExists(ctx, tx, topicID); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE topic_id = ?
	`, topicID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (topic_id, seq, contents, consensus_at) VALUES (?, ?, ?, ?)
	`, topicID, seq, payload, l.now().UTC().Format(timeLayout)); err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// PollMessages returns messages after afterSeq in sequence order.
func (l *Log) PollMessages(ctx context.Context, topicID string, afterSeq int64) ([]transport.Message, error) {
	if err := topicExists(ctx, l.db, topicID); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, contents, consensus_at
		FROM messages
		WHERE topic_id = ? AND seq > ?
		ORDER BY seq ASC
	`, topicID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []transport.Message{}
	for rows.Next() {
		msg := transport.Message{TopicID: topicID}
		var at string
		if err := rows.Scan(&msg.SequenceNumber, &msg.Contents, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.ConsensusAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("message %s/%d: parse time: %w", topicID, msg.SequenceNumber, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// Topics lists topic ids in creation order.
func (l *Log) Topics(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM topics ORDER BY num ASC`)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func topicExists(ctx context.Context, q queryRower, topicID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM topics WHERE id = ?`, topicID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", transport.ErrTopicNotFound, topicID)
	}
	if err != nil {
		return fmt.Errorf("lookup topic: %w", err)
	}
	return nil
}
