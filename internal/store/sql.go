package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/capitalize-ai/gembot/internal/model"
)

const (
	kindImage    = "image"
	kindDocument = "document"
)

// SQL persists sessions in sqlite3, mysql or postgres.
type SQL struct {
	db           *sql.DB
	d            dialect
	historyLimit int
	now          func() time.Time
}

// OpenSQL connects to the database, verifies it and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string, historyLimit int) (*SQL, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn must be provided", d.name)
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.name, err)
	}
	if d.name == "sqlite3" {
		// One writer at a time, and an in-memory database lives on one connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := newSQL(db, d, historyLimit)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newSQL wraps an open database handle. The schema must already exist.
func newSQL(db *sql.DB, d dialect, historyLimit int) *SQL {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &SQL{
		db:           db,
		d:            d,
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", s.d.name, err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *SQL) ensureUser(ctx context.Context, q execer, userID string) error {
	now := s.now().UnixMilli()
	if _, err := s.exec(ctx, q, s.d.insertUser, userID, "{}", now, now); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQL) GetSession(ctx context.Context, userID string) (*model.UserSession, error) {
	if err := s.ensureUser(ctx, s.db, userID); err != nil {
		return nil, err
	}

	var (
		stats             string
		created, lastSeen int64
		session           = &model.UserSession{UserID: userID}
	)
	err := s.queryRow(ctx, s.db,
		`SELECT preferred_model, total_turns, stats, created_at, last_active FROM users WHERE user_id = ?`, userID,
	).Scan(&session.PreferredModel, &session.TotalTurns, &stats, &created, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &session.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	session.CreatedAt = time.UnixMilli(created).UTC()

	if session.History, err = s.RecentTurns(ctx, userID, s.historyLimit); err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, userID, kindImage, model.MaxImageRecords, &session.ImageHistory); err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, userID, kindDocument, model.MaxDocumentRecords, &session.DocumentHistory); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQL) AppendTurns(ctx context.Context, userID string, turns ...model.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		for _, t := range turns {
			ts := t.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := s.exec(ctx, tx,
				`INSERT INTO turns (user_id, role, content, language, created_at) VALUES (?, ?, ?, ?, ?)`,
				userID, string(t.Role), t.Content, t.Language, ts.UnixMilli(),
			); err != nil {
				return fmt.Errorf("append turn: %w", err)
			}
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE users SET total_turns = total_turns + ? WHERE user_id = ?`, len(turns), userID,
		); err != nil {
			return fmt.Errorf("count turns: %w", err)
		}
		return s.trim(ctx, tx, `SELECT id FROM turns WHERE user_id = ? ORDER BY id DESC`,
			`DELETE FROM turns WHERE user_id = ? AND id < ?`, s.historyLimit, userID)
	})
}

// trim keeps the newest keep rows. selectQuery must list ids newest first.
func (s *SQL) trim(ctx context.Context, q execer, selectQuery, deleteQuery string, keep int, args ...any) error {
	var cutoff int64
	err := s.queryRow(ctx, q, selectQuery+fmt.Sprintf(" LIMIT 1 OFFSET %d", keep-1), args...).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find trim cutoff: %w", err)
	}
	if _, err := s.exec(ctx, q, deleteQuery, append(args, cutoff)...); err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	return nil
}

func (s *SQL) RecentTurns(ctx context.Context, userID string, k int) ([]model.Turn, error) {
	if k <= 0 {
		k = s.historyLimit
	}
	rows, err := s.query(ctx, s.db,
		fmt.Sprintf(`SELECT role, content, language, created_at FROM turns WHERE user_id = ? ORDER BY id DESC LIMIT %d`, k),
		userID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var (
			t    model.Turn
			role string
			ts   int64
		)
		if err := rows.Scan(&role, &t.Content, &t.Language, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = model.Role(role)
		t.Timestamp = time.UnixMilli(ts).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQL) UpdateStats(ctx context.Context, userID string, delta model.StatsDelta) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		var raw string
		if err := s.queryRow(ctx, tx, `SELECT stats FROM users WHERE user_id = ?`, userID).Scan(&raw); err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		var stats model.Stats
		if err := json.Unmarshal([]byte(raw), &stats); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		now := s.now()
		stats.Apply(delta, now)
		encoded, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE users SET stats = ?, last_active = ? WHERE user_id = ?`, string(encoded), now.UnixMilli(), userID,
		); err != nil {
			return fmt.Errorf("update stats: %w", err)
		}
		return nil
	})
}

func (s *SQL) SetPreferredModel(ctx context.Context, userID, name string) error {
	if err := s.ensureUser(ctx, s.db, userID); err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db, `UPDATE users SET preferred_model = ? WHERE user_id = ?`, name, userID); err != nil {
		return fmt.Errorf("set preferred model: %w", err)
	}
	return nil
}

func (s *SQL) AddImageRecord(ctx context.Context, userID string, rec model.ImageRecord) error {
	return s.addAttachment(ctx, userID, kindImage, rec.SourceMessageRef, rec.Timestamp, rec, model.MaxImageRecords)
}

func (s *SQL) AddDocumentRecord(ctx context.Context, userID string, rec model.DocumentRecord) error {
	return s.addAttachment(ctx, userID, kindDocument, rec.SourceMessageRef, rec.Timestamp, rec, model.MaxDocumentRecords)
}

func (s *SQL) addAttachment(ctx context.Context, userID, kind, sourceRef string, ts time.Time, rec any, keep int) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	if ts.IsZero() {
		ts = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO attachments (user_id, kind, source_ref, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			userID, kind, sourceRef, string(payload), ts.UnixMilli(),
		); err != nil {
			return fmt.Errorf("add %s record: %w", kind, err)
		}
		return s.trim(ctx, tx,
			`SELECT id FROM attachments WHERE user_id = ? AND kind = ? ORDER BY id DESC`,
			`DELETE FROM attachments WHERE user_id = ? AND kind = ? AND id < ?`, keep, userID, kind)
	})
}

func (s *SQL) loadAttachments(ctx context.Context, userID, kind string, limit int, dest any) error {
	rows, err := s.query(ctx, s.db,
		fmt.Sprintf(`SELECT payload FROM attachments WHERE user_id = ? AND kind = ? ORDER BY id DESC LIMIT %d`, limit),
		userID, kind)
	if err != nil {
		return fmt.Errorf("load %s records: %w", kind, err)
	}
	defer rows.Close()

	var payloads []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scan %s record: %w", kind, err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load %s records: %w", kind, err)
	}

	// Oldest first, like the in-memory store.
	for i := len(payloads) - 1; i >= 0; i-- {
		switch out := dest.(type) {
		case *[]model.ImageRecord:
			var rec model.ImageRecord
			if err := json.Unmarshal([]byte(payloads[i]), &rec); err != nil {
				return fmt.Errorf("decode image record: %w", err)
			}
			*out = append(*out, rec)
		case *[]model.DocumentRecord:
			var rec model.DocumentRecord
			if err := json.Unmarshal([]byte(payloads[i]), &rec); err != nil {
				return fmt.Errorf("decode document record: %w", err)
			}
			*out = append(*out, rec)
		}
	}
	return nil
}

func (s *SQL) AttachDocumentReplies(ctx context.Context, userID, sourceMessageRef string, replyRefs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id  int64
			raw string
		)
		err := s.queryRow(ctx, tx,
			`SELECT id, payload FROM attachments WHERE user_id = ? AND kind = ? AND source_ref = ? ORDER BY id DESC LIMIT 1`,
			userID, kindDocument, sourceMessageRef,
		).Scan(&id, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load document record: %w", err)
		}

		var rec model.DocumentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode document record: %w", err)
		}
		rec.DeliveredReplyRefs = append([]string(nil), replyRefs...)
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode document record: %w", err)
		}
		if _, err := s.exec(ctx, tx, `UPDATE attachments SET payload = ? WHERE id = ?`, string(payload), id); err != nil {
			return fmt.Errorf("update document record: %w", err)
		}
		return nil
	})
}

func (s *SQL) ClearHistory(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM turns WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM attachments WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("clear attachments: %w", err)
		}
		if _, err := s.exec(ctx, tx, `UPDATE users SET total_turns = 0 WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("reset turn count: %w", err)
		}
		return nil
	})
}

func (s *SQL) PurgeInactive(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixMilli()
	var purged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"turns", "attachments"} {
			if _, err := s.exec(ctx, tx,
				`DELETE FROM `+table+` WHERE user_id IN (SELECT user_id FROM users WHERE last_active < ?)`, cutoff,
			); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		res, err := s.exec(ctx, tx, `DELETE FROM users WHERE last_active < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge users: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return int(purged), err
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}
