package usecase

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Token-count cache policy.
const (
	tokenCacheTTL     = time.Hour
	tokenCacheMax     = 10000
	tokenCachePrefix  = 100
	charsPerToken     = 4.0
	charsPerTokenSafe = 3.5 // conservative estimate for oversized single messages
)

// Context-window budget split for overflow recovery.
const (
	intactBudgetRatio     = 0.7
	extractionBudgetRatio = 0.3
)

// TokenCounter computes token counts using a fixed byte-pair encoding. The
// encoder is process-global; counts are cached by (prefix, length) with a
// one-hour TTL and a bounded entry count (oldest evicted when full).
type TokenCounter struct {
	mu    sync.Mutex
	enc   *tiktoken.Tiktoken
	cache map[tokenCacheKey]*list.Element
	order *list.List // front = oldest
	now   func() time.Time
}

type tokenCacheKey struct {
	prefix string
	length int
}

type tokenCacheEntry struct {
	key       tokenCacheKey
	count     int
	expiresAt time.Time
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
	encoderErr  error
)

// NewTokenCounter creates a counter on the process-global cl100k_base
// encoder.
func NewTokenCounter() (*TokenCounter, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	if encoderErr != nil {
		return nil, encoderErr
	}
	return &TokenCounter{
		enc:   encoder,
		cache: make(map[tokenCacheKey]*list.Element),
		order: list.New(),
		now:   time.Now,
	}, nil
}

// CountTokens returns the token count of text.
func (t *TokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	key := tokenCacheKey{prefix: prefixOf(text, tokenCachePrefix), length: len(text)}

	t.mu.Lock()
	if el, ok := t.cache[key]; ok {
		entry := el.Value.(*tokenCacheEntry)
		if t.now().Before(entry.expiresAt) {
			count := entry.count
			t.mu.Unlock()
			return count
		}
		t.order.Remove(el)
		delete(t.cache, key)
	}
	t.mu.Unlock()

	count := len(t.enc.Encode(text, nil, nil))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.order.Len() >= tokenCacheMax {
		oldest := t.order.Front()
		if oldest != nil {
			t.order.Remove(oldest)
			delete(t.cache, oldest.Value.(*tokenCacheEntry).key)
		}
	}
	el := t.order.PushBack(&tokenCacheEntry{key: key, count: count, expiresAt: t.now().Add(tokenCacheTTL)})
	t.cache[key] = el
	return count
}

// CountMessageTokens returns the token count of a message sequence, with a
// small per-message framing overhead.
func (t *TokenCounter) CountMessageTokens(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.CountTokens(m.Text()) + 4
	}
	return total
}

// EstimateTokens approximates tokens from character length without encoding.
// Oversized single messages use the conservative ratio.
func EstimateTokens(text string, oversized bool) int {
	ratio := charsPerToken
	if oversized {
		ratio = charsPerTokenSafe
	}
	return int(float64(len(text)) / ratio)
}

// Budget holds the context-window split used by overflow recovery: the tail
// of the conversation kept intact and the budget for the historical
// extraction prompt.
type Budget struct {
	Intact     int
	Extraction int
}

// BudgetFor computes the overflow budgets for a model's context window.
func BudgetFor(model domain.ModelDescriptor) Budget {
	return Budget{
		Intact:     int(float64(model.ContextWindow) * intactBudgetRatio),
		Extraction: int(float64(model.ContextWindow) * extractionBudgetRatio),
	}
}

func prefixOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
