// Package dedup suppresses Telegram webhook redeliveries.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/capitalize-ai/gembot/internal/cache"
)

// DefaultTTL is how long a processed update is remembered.
const DefaultTTL = 10 * time.Minute

// Deduper remembers processed updates.
type Deduper interface {
	// Seen records key and reports whether it had already been recorded.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget drops key so a later redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// Key derives the dedup key from the update identity and its content, so an
// edit of the same message is not mistaken for a redelivery.
func Key(updateID, chatID, messageID int64, content string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(updateID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(chatID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(messageID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Memory is a process-local Deduper.
type Memory struct {
	seen *cache.LRU[string, struct{}]
}

// NewMemory creates a Memory deduper holding at most size keys for ttl.
func NewMemory(size int, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{seen: cache.New[string, struct{}](size, ttl)}
}

// Seen implements Deduper.
func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	return !m.seen.SetIfAbsent(key, struct{}{}), nil
}

// Forget implements Deduper.
func (m *Memory) Forget(_ context.Context, key string) error {
	m.seen.Delete(key)
	return nil
}
