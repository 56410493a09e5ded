package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/lunchconnect/groupchat/internal/chat"
)

// Archive persists group messages in PostgreSQL so the history endpoint can
// serve chat that happened before a client connected.
type Archive struct {
	db *sql.DB
}

// OpenArchive connects to PostgreSQL, runs pending migrations, and returns
// the archive. migrationsDir may be empty to skip migrations (tests).
func OpenArchive(dsn, migrationsDir string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if migrationsDir != "" {
		if err := runMigrations(db, migrationsDir); err != nil {
			db.Close()
			return nil, fmt.Errorf("archive: migrate: %w", err)
		}
	}

	return &Archive{db: db}, nil
}

// NewArchive wraps an existing database handle without running migrations.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

func runMigrations(db *sql.DB, dir string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// Store inserts one message. The message ID is the primary key, so NATS
// redeliveries and multi-instance races collapse into a single row.
func (a *Archive) Store(ctx context.Context, msg chat.Message) error {
	const query = `
		INSERT INTO group_messages (id, group_id, sender_id, content, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := a.db.ExecContext(ctx, query,
		msg.ID,
		msg.GroupID,
		msg.SenderID,
		msg.Content,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit of a group's most recent messages in
// chronological order (oldest first).
func (a *Archive) Recent(ctx context.Context, groupID string, limit int) ([]chat.Message, error) {
	const query = `
		SELECT id, group_id, sender_id, content, sent_at
		FROM group_messages
		WHERE group_id = $1
		ORDER BY sent_at DESC, id DESC
		LIMIT $2`

	rows, err := a.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: rows: %w", err)
	}

	// The query walks newest-first; flip to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Close closes the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
