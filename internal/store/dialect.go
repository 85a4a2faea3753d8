package store

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	name       string
	driverName string
	schema     []string
	insertUser string
	numbered   bool
}

var dialects = map[string]dialect{
	"sqlite3": {
		name:       "sqlite3",
		driverName: "sqlite3",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (
				user_id TEXT PRIMARY KEY,
				preferred_model TEXT NOT NULL DEFAULT '',
				total_turns INTEGER NOT NULL DEFAULT 0,
				stats TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				last_active INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS turns (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				language TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_user ON turns (user_id, id)`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				source_ref TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_user ON attachments (user_id, kind, id)`,
		},
		insertUser: `INSERT OR IGNORE INTO users (user_id, stats, created_at, last_active) VALUES (?, ?, ?, ?)`,
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (
				user_id VARCHAR(64) PRIMARY KEY,
				preferred_model VARCHAR(64) NOT NULL DEFAULT '',
				total_turns INT NOT NULL DEFAULT 0,
				stats TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				last_active BIGINT NOT NULL,
				INDEX idx_users_last_active (last_active)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS turns (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				user_id VARCHAR(64) NOT NULL,
				role VARCHAR(16) NOT NULL,
				content LONGTEXT NOT NULL,
				language VARCHAR(16) NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				INDEX idx_turns_user (user_id, id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				user_id VARCHAR(64) NOT NULL,
				kind VARCHAR(16) NOT NULL,
				source_ref VARCHAR(128) NOT NULL DEFAULT '',
				payload LONGTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_attachments_user (user_id, kind, id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
		insertUser: `INSERT IGNORE INTO users (user_id, stats, created_at, last_active) VALUES (?, ?, ?, ?)`,
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		numbered:   true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (
				user_id TEXT PRIMARY KEY,
				preferred_model TEXT NOT NULL DEFAULT '',
				total_turns INTEGER NOT NULL DEFAULT 0,
				stats TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				last_active BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_users_last_active ON users (last_active)`,
			`CREATE TABLE IF NOT EXISTS turns (
				id BIGSERIAL PRIMARY KEY,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				language TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_user ON turns (user_id, id)`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id BIGSERIAL PRIMARY KEY,
				user_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				source_ref TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_user ON attachments (user_id, kind, id)`,
		},
		insertUser: `INSERT INTO users (user_id, stats, created_at, last_active) VALUES (?, ?, ?, ?) ON CONFLICT (user_id) DO NOTHING`,
	},
}

func lookupDialect(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return dialects["sqlite3"], nil
	case "mysql":
		return dialects["mysql"], nil
	case "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	}
	return dialect{}, fmt.Errorf("unsupported store driver: %s", driver)
}

// rebind rewrites ? placeholders as $n for drivers that need numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
