package store

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/gembot/internal/model"
)

// Memory keeps sessions in process memory.
type Memory struct {
	mu           sync.RWMutex
	sessions     map[string]*model.UserSession
	historyLimit int
	now          func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(historyLimit int) *Memory {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Memory{
		sessions:     make(map[string]*model.UserSession),
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) sessionLocked(userID string) *model.UserSession {
	s, ok := m.sessions[userID]
	if !ok {
		s = &model.UserSession{UserID: userID, CreatedAt: m.now()}
		m.sessions[userID] = s
	}
	return s
}

func (m *Memory) GetSession(_ context.Context, userID string) (*model.UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSession(m.sessionLocked(userID)), nil
}

func (m *Memory) AppendTurns(_ context.Context, userID string, turns ...model.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionLocked(userID)
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = m.now()
		}
		s.History = append(s.History, t)
	}
	s.TotalTurns += len(turns)
	s.History = keepLast(s.History, m.historyLimit)
	return nil
}

func (m *Memory) RecentTurns(_ context.Context, userID string, k int) ([]model.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	return append([]model.Turn(nil), keepLast(s.History, k)...), nil
}

func (m *Memory) UpdateStats(_ context.Context, userID string, delta model.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionLocked(userID).Stats.Apply(delta, m.now())
	return nil
}

func (m *Memory) SetPreferredModel(_ context.Context, userID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionLocked(userID).PreferredModel = name
	return nil
}

func (m *Memory) AddImageRecord(_ context.Context, userID string, rec model.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionLocked(userID)
	s.ImageHistory = keepLast(append(s.ImageHistory, rec), model.MaxImageRecords)
	return nil
}

func (m *Memory) AddDocumentRecord(_ context.Context, userID string, rec model.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionLocked(userID)
	s.DocumentHistory = keepLast(append(s.DocumentHistory, rec), model.MaxDocumentRecords)
	return nil
}

func (m *Memory) AttachDocumentReplies(_ context.Context, userID, sourceMessageRef string, replyRefs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return model.ErrNotFound
	}
	for i := len(s.DocumentHistory) - 1; i >= 0; i-- {
		if s.DocumentHistory[i].SourceMessageRef == sourceMessageRef {
			s.DocumentHistory[i].DeliveredReplyRefs = append([]string(nil), replyRefs...)
			return nil
		}
	}
	return model.ErrNotFound
}

func (m *Memory) ClearHistory(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionLocked(userID)
	s.History = nil
	s.TotalTurns = 0
	s.ImageHistory = nil
	s.DocumentHistory = nil
	return nil
}

func (m *Memory) PurgeInactive(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if lastActive(s).Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
