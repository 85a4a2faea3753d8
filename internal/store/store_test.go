package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/capitalize-ai/gembot/internal/model"
)

type testStore interface {
	Store
	setNow(func() time.Time)
}

func (m *Memory) setNow(fn func() time.Time) { m.now = fn }
func (s *SQL) setNow(fn func() time.Time)    { s.now = fn }

func forEachStore(t *testing.T, historyLimit int, fn func(t *testing.T, s testStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory(historyLimit))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQL(context.Background(), "sqlite3", ":memory:", historyLimit)
		if err != nil {
			t.Fatalf("OpenSQL() error = %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestGetSessionCreatesOnFirstAccess(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s testStore) {
		sess, err := s.GetSession(context.Background(), "42")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if sess.UserID != "42" || len(sess.History) != 0 || sess.PreferredModel != "" {
			t.Fatalf("GetSession() = %+v, want fresh session", sess)
		}
		if sess.CreatedAt.IsZero() {
			t.Fatalf("CreatedAt is zero")
		}
	})
}

func TestAppendTurnsKeepsWindowAndCounts(t *testing.T) {
	forEachStore(t, 4, func(t *testing.T, s testStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			err := s.AppendTurns(ctx, "u",
				model.NewTurn(model.RoleUser, fmt.Sprintf("q%d", i)),
				model.NewTurn(model.RoleAssistant, fmt.Sprintf("a%d", i)),
			)
			if err != nil {
				t.Fatalf("AppendTurns() error = %v", err)
			}
		}
		sess, err := s.GetSession(ctx, "u")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if sess.TotalTurns != 6 {
			t.Fatalf("TotalTurns = %d, want 6", sess.TotalTurns)
		}
		if len(sess.History) != 4 || sess.History[0].Content != "q1" || sess.History[3].Content != "a2" {
			t.Fatalf("History = %+v, want q1..a2", sess.History)
		}

		recent, err := s.RecentTurns(ctx, "u", 2)
		if err != nil {
			t.Fatalf("RecentTurns() error = %v", err)
		}
		if len(recent) != 2 || recent[0].Content != "q2" || recent[1].Content != "a2" {
			t.Fatalf("RecentTurns() = %+v, want [q2 a2]", recent)
		}
	})
}

func TestMediaRecordsAreBounded(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s testStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := s.AddImageRecord(ctx, "u", model.ImageRecord{Caption: fmt.Sprintf("img%d", i)}); err != nil {
				t.Fatalf("AddImageRecord() error = %v", err)
			}
		}
		for i := 0; i < 7; i++ {
			rec := model.DocumentRecord{FileName: fmt.Sprintf("doc%d", i), SourceMessageRef: fmt.Sprint(i)}
			if err := s.AddDocumentRecord(ctx, "u", rec); err != nil {
				t.Fatalf("AddDocumentRecord() error = %v", err)
			}
		}
		sess, err := s.GetSession(ctx, "u")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if len(sess.ImageHistory) != model.MaxImageRecords || sess.ImageHistory[0].Caption != "img2" {
			t.Fatalf("ImageHistory = %+v, want img2..img4", sess.ImageHistory)
		}
		if len(sess.DocumentHistory) != model.MaxDocumentRecords {
			t.Fatalf("len(DocumentHistory) = %d, want %d", len(sess.DocumentHistory), model.MaxDocumentRecords)
		}
		latest, _ := sess.LatestDocument()
		if latest.FileName != "doc6" {
			t.Fatalf("LatestDocument() = %q, want doc6", latest.FileName)
		}

		if err := s.AttachDocumentReplies(ctx, "u", "6", []string{"100", "101"}); err != nil {
			t.Fatalf("AttachDocumentReplies() error = %v", err)
		}
		sess, _ = s.GetSession(ctx, "u")
		latest, _ = sess.LatestDocument()
		if len(latest.DeliveredReplyRefs) != 2 {
			t.Fatalf("DeliveredReplyRefs = %v, want 2 refs", latest.DeliveredReplyRefs)
		}
		if err := s.AttachDocumentReplies(ctx, "u", "missing", nil); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("AttachDocumentReplies(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStatsAndPreference(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s testStore) {
		ctx := context.Background()
		if err := s.UpdateStats(ctx, "u", model.StatsDelta{Messages: 1}); err != nil {
			t.Fatalf("UpdateStats() error = %v", err)
		}
		if err := s.UpdateStats(ctx, "u", model.StatsDelta{Messages: 1, Images: 1}); err != nil {
			t.Fatalf("UpdateStats() error = %v", err)
		}
		if err := s.SetPreferredModel(ctx, "u", "deepseek"); err != nil {
			t.Fatalf("SetPreferredModel() error = %v", err)
		}
		sess, err := s.GetSession(ctx, "u")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if sess.Stats.Messages != 2 || sess.Stats.Images != 1 || sess.Stats.LastActive.IsZero() {
			t.Fatalf("Stats = %+v, want 2 messages, 1 image, last active set", sess.Stats)
		}
		if sess.PreferredModel != "deepseek" {
			t.Fatalf("PreferredModel = %q, want deepseek", sess.PreferredModel)
		}
	})
}

func TestClearHistoryKeepsStats(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s testStore) {
		ctx := context.Background()
		s.AppendTurns(ctx, "u", model.NewTurn(model.RoleUser, "hi"))
		s.AddImageRecord(ctx, "u", model.ImageRecord{Caption: "x"})
		s.UpdateStats(ctx, "u", model.StatsDelta{Messages: 1})
		s.SetPreferredModel(ctx, "u", "claude")

		if err := s.ClearHistory(ctx, "u"); err != nil {
			t.Fatalf("ClearHistory() error = %v", err)
		}
		sess, _ := s.GetSession(ctx, "u")
		if len(sess.History) != 0 || sess.TotalTurns != 0 || len(sess.ImageHistory) != 0 {
			t.Fatalf("session after clear = %+v", sess)
		}
		if sess.Stats.Messages != 1 || sess.PreferredModel != "claude" {
			t.Fatalf("ClearHistory() dropped stats or preference: %+v", sess)
		}
	})
}

func TestPurgeInactive(t *testing.T) {
	forEachStore(t, 10, func(t *testing.T, s testStore) {
		ctx := context.Background()
		now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

		s.setNow(func() time.Time { return now.Add(-40 * 24 * time.Hour) })
		s.AppendTurns(ctx, "stale", model.NewTurn(model.RoleUser, "old"))
		s.UpdateStats(ctx, "stale", model.StatsDelta{Messages: 1})

		s.setNow(func() time.Time { return now })
		s.UpdateStats(ctx, "fresh", model.StatsDelta{Messages: 1})

		j := NewJanitor(s, 30*24*time.Hour, time.Hour, nil)
		j.now = func() time.Time { return now }
		n, err := j.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if n != 1 {
			t.Fatalf("purged = %d, want 1", n)
		}
		fresh, _ := s.GetSession(ctx, "fresh")
		if fresh.Stats.Messages != 1 {
			t.Fatalf("fresh session was purged")
		}
		stale, _ := s.GetSession(ctx, "stale")
		if len(stale.History) != 0 || stale.Stats.Messages != 0 {
			t.Fatalf("stale session survived: %+v", stale)
		}
	})
}

func TestLookupDialect(t *testing.T) {
	for _, name := range []string{"sqlite", "sqlite3", "mysql", "postgres", "pgx"} {
		if _, err := lookupDialect(name); err != nil {
			t.Fatalf("lookupDialect(%q) error = %v", name, err)
		}
	}
	if _, err := lookupDialect("mongo"); err == nil {
		t.Fatalf("lookupDialect(mongo) error = nil")
	}
	d, _ := lookupDialect("postgres")
	if got := d.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind() = %q", got)
	}
}
