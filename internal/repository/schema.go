package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Timestamps are stored as unix nanoseconds so both engines order them identically.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	user_name TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	name TEXT,
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	pair_key TEXT UNIQUE,
	latest_message_id TEXT,
	deleted_at BIGINT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_members (
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);
CREATE TABLE IF NOT EXISTS messages (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	deleted_at BIGINT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_id, seq);
CREATE TABLE IF NOT EXISTS message_reads (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	read_at BIGINT NOT NULL,
	PRIMARY KEY (message_id, user_id)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	user_name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	name TEXT,
	is_group INTEGER NOT NULL DEFAULT 0,
	pair_key TEXT UNIQUE,
	latest_message_id TEXT,
	deleted_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_members (
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	deleted_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_id, seq);
CREATE TABLE IF NOT EXISTS message_reads (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	read_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id)
);
`

// Open connects to the given engine and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		if !strings.Contains(dsn, "_pragma") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY on lock upgrades.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// Migrate creates the schema if it does not exist yet.
func (r *SQLChatRepository) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if r.driver == DriverSQLite {
		schema = sqliteSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// rebind rewrites '?' placeholders into the engine's bind syntax.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
