package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/gembot/internal/dedup"
	"github.com/capitalize-ai/gembot/internal/model"
	"github.com/capitalize-ai/gembot/internal/telegram"
	"github.com/capitalize-ai/gembot/internal/worker"
	"github.com/capitalize-ai/gembot/pkg/logger"
)

// syncPool runs jobs inline so tests can observe their effect.
type syncPool struct {
	err  error
	jobs int
}

func (p *syncPool) Submit(job worker.Job) error {
	if p.err != nil {
		return p.err
	}
	p.jobs++
	return job(context.Background())
}

type recordingUpdates struct {
	mu      sync.Mutex
	updates []telegram.Update
}

func (r *recordingUpdates) HandleUpdate(_ context.Context, u telegram.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

type failingDedup struct{}

func (failingDedup) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDedup) Forget(context.Context, string) error { return errors.New("redis down") }

const updateJSON = `{"update_id":1,"message":{"message_id":5,"chat":{"id":42,"type":"private"},"from":{"id":7},"text":"hi"}}`

func postUpdate(h http.HandlerFunc, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestWebhook(t *testing.T) {
	pool := &syncPool{}
	updates := &recordingUpdates{}
	h := NewWebhookHandler("s3cret", dedup.NewMemory(100, 0), pool, updates, 0, logger.NewNop())

	if rec := postUpdate(h.Receive, updateJSON, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status = %d", rec.Code)
	}
	if rec := postUpdate(h.Receive, "{not json", "s3cret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", rec.Code)
	}
	if rec := postUpdate(h.Receive, updateJSON, "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := postUpdate(h.Receive, updateJSON, "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if len(updates.updates) != 1 {
		t.Fatalf("processed %d updates, want 1 (duplicate dropped)", len(updates.updates))
	}
	if got := updates.updates[0].Message.Text; got != "hi" {
		t.Fatalf("update text = %q", got)
	}
}

func TestWebhookEditIsNotDuplicate(t *testing.T) {
	updates := &recordingUpdates{}
	h := NewWebhookHandler("", dedup.NewMemory(100, 0), &syncPool{}, updates, 0, logger.NewNop())

	postUpdate(h.Receive, updateJSON, "")
	edit := `{"update_id":2,"edited_message":{"message_id":5,"chat":{"id":42,"type":"private"},"from":{"id":7},"text":"hi again"}}`
	postUpdate(h.Receive, edit, "")
	if len(updates.updates) != 2 {
		t.Fatalf("processed %d updates, want 2", len(updates.updates))
	}
}

func TestWebhookQueueFullAndDedupFailure(t *testing.T) {
	h := NewWebhookHandler("", dedup.NewMemory(100, 0), &syncPool{err: worker.ErrQueueFull}, &recordingUpdates{}, 0, logger.NewNop())
	if rec := postUpdate(h.Receive, updateJSON, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue full status = %d, want 503", rec.Code)
	}

	updates := &recordingUpdates{}
	h = NewWebhookHandler("", failingDedup{}, &syncPool{}, updates, 0, logger.NewNop())
	postUpdate(h.Receive, updateJSON, "")
	postUpdate(h.Receive, updateJSON, "")
	if len(updates.updates) != 2 {
		t.Fatalf("processed %d updates, want both when dedup is down", len(updates.updates))
	}
}

func TestWebhookRejectedUpdateIsRedelivered(t *testing.T) {
	pool := &syncPool{err: worker.ErrQueueFull}
	updates := &recordingUpdates{}
	h := NewWebhookHandler("", dedup.NewMemory(100, 0), pool, updates, 0, logger.NewNop())

	if rec := postUpdate(h.Receive, updateJSON, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue full status = %d, want 503", rec.Code)
	}

	pool.err = nil
	if rec := postUpdate(h.Receive, updateJSON, ""); rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rec.Code)
	}
	if pool.jobs != 1 || len(updates.updates) != 1 {
		t.Fatalf("redelivery processed %d updates in %d jobs, want 1", len(updates.updates), pool.jobs)
	}
}

type fakeSessions struct {
	session *model.UserSession
	err     error
	setErr  error
	resets  int
	model   string
}

func (f *fakeSessions) Session(context.Context, string) (*model.UserSession, error) {
	return f.session, f.err
}

func (f *fakeSessions) ResetHistory(context.Context, string) error {
	f.resets++
	return nil
}

func (f *fakeSessions) SetModel(_ context.Context, _, name string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.model = name
	return nil
}

func (f *fakeSessions) CurrentModel(context.Context, string) model.ModelConfig {
	return model.ModelConfig{Name: "gemini"}
}

type fakeEvents struct {
	after uint64
	limit int
}

func (f *fakeEvents) GetEvents(_ context.Context, userID string, after uint64, limit int) ([]model.ConversationEvent, uint64, bool, error) {
	f.after, f.limit = after, limit
	return []model.ConversationEvent{{ID: "e1", UserID: userID, Type: model.EventTurnCompleted, Sequence: after + 1}}, after + 1, true, nil
}

func adminRouter(h *AdminHandler) http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminGetUser(t *testing.T) {
	sessions := &fakeSessions{session: &model.UserSession{
		UserID:         "7",
		History:        make([]model.Turn, 4),
		TotalTurns:     10,
		PreferredModel: "deepseek",
		Stats:          model.Stats{Messages: 5},
	}}
	r := adminRouter(NewAdminHandler(sessions, nil, logger.NewNop()))

	rec := doRequest(r, http.MethodGet, "/users/7/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got UserSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.HistoryTurns != 4 || got.TotalTurns != 10 || got.CurrentModel != "gemini" || got.Stats.Messages != 5 {
		t.Fatalf("summary = %+v", got)
	}

	if rec := doRequest(r, http.MethodGet, "/users/abc/", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status = %d", rec.Code)
	}

	sessions.err = errors.New("db down")
	if rec := doRequest(r, http.MethodGet, "/users/7/", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("store failure status = %d", rec.Code)
	}
}

func TestAdminMutations(t *testing.T) {
	sessions := &fakeSessions{}
	r := adminRouter(NewAdminHandler(sessions, nil, logger.NewNop()))

	if rec := doRequest(r, http.MethodDelete, "/users/7/history", ""); rec.Code != http.StatusNoContent || sessions.resets != 1 {
		t.Fatalf("delete status = %d, resets %d", rec.Code, sessions.resets)
	}

	cases := []struct {
		name   string
		body   string
		setErr error
		want   int
	}{
		{"ok", `{"model":"deepseek"}`, nil, http.StatusOK},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad name", `{"model":"GPT 4"}`, nil, http.StatusBadRequest},
		{"unavailable", `{"model":"claude"}`, &model.ConfigurationError{Model: "claude", Reason: "not available"}, http.StatusUnprocessableEntity},
		{"store failure", `{"model":"claude"}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sessions.setErr = tc.setErr
			if rec := doRequest(r, http.MethodPut, "/users/7/model", tc.body); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
	if sessions.model != "deepseek" {
		t.Fatalf("model = %q", sessions.model)
	}
}

func TestAdminEvents(t *testing.T) {
	r := adminRouter(NewAdminHandler(&fakeSessions{}, nil, logger.NewNop()))
	rec := doRequest(r, http.MethodGet, "/users/7/events?after=3", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Fatalf("without NATS = %d %s", rec.Code, rec.Body)
	}

	events := &fakeEvents{}
	r = adminRouter(NewAdminHandler(&fakeSessions{}, events, logger.NewNop()))
	rec = doRequest(r, http.MethodGet, "/users/7/events?after=3&limit=10", "")
	var got EventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if events.after != 3 || events.limit != 10 || got.LastSequence != 4 || !got.HasMore || len(got.Events) != 1 {
		t.Fatalf("events = %+v (after %d limit %d)", got, events.after, events.limit)
	}

	if rec := doRequest(r, http.MethodGet, "/users/7/events?limit=-2", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func TestReady(t *testing.T) {
	cases := []struct {
		name  string
		store error
		nats  ConnChecker
		want  int
	}{
		{"ready without nats", nil, nil, http.StatusOK},
		{"ready with nats", nil, fakeConn(true), http.StatusOK},
		{"store down", errors.New("down"), nil, http.StatusServiceUnavailable},
		{"nats down", nil, fakeConn(false), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(fakePinger{tc.store}, tc.nats)
			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
