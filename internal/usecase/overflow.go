package usecase

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

const (
	overflowCacheMax        = 1000
	proactiveMinMessages    = 20
	historicalContextPrefix = "Previous relevant context: "
)

const extractSystemPrompt = `You are a conversation summarizer. Given conversation history, produce a concise summary that preserves:
- Key facts, decisions, and conclusions
- User preferences and requirements
- Important context needed to continue the conversation
- Any pending tasks or questions

Output ONLY the summary, no preamble. Be concise but comprehensive.`

const incrementalExtractPrompt = `You are a conversation summarizer. You are given an existing summary of the older part of a conversation and the messages that followed it. Produce ONE updated summary covering both, preserving key facts, decisions, user preferences, and pending tasks. Output ONLY the summary.`

// OverflowEntry is a cached historical extraction for one conversation.
// Valid only while the request's model matches ModelID (context-window
// equivalence).
type OverflowEntry struct {
	HistoricalEndIndex int
	ExtractedContext   string
	MessageCount       int
	ModelID            string
}

// OverflowCache is a process-local, bounded LRU keyed by
// (user_id, conversation_id).
type OverflowCache struct {
	mu    sync.Mutex
	max   int
	items map[string]*list.Element
	order *list.List // front = most recent
}

type overflowCacheItem struct {
	key   string
	entry OverflowEntry
}

// NewOverflowCache creates an LRU cache with the default bound.
func NewOverflowCache() *OverflowCache {
	return &OverflowCache{
		max:   overflowCacheMax,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func overflowKey(userID, conversationID string) string {
	return userID + "|" + conversationID
}

// Get returns the cached entry for a conversation, if present.
func (c *OverflowCache) Get(userID, conversationID string) (OverflowEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[overflowKey(userID, conversationID)]
	if !ok {
		return OverflowEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*overflowCacheItem).entry, true
}

// Put stores an entry, evicting the least recently used when full.
func (c *OverflowCache) Put(userID, conversationID string, entry OverflowEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := overflowKey(userID, conversationID)
	if el, ok := c.items[key]; ok {
		el.Value.(*overflowCacheItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*overflowCacheItem).key)
		}
	}
	c.items[key] = c.order.PushFront(&overflowCacheItem{key: key, entry: entry})
}

// Invalidate removes a conversation's entry, e.g. on model change.
func (c *OverflowCache) Invalidate(userID, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := overflowKey(userID, conversationID)
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// ApplyProactive rebuilds the prompt from a cache hit: a system message
// carrying the extracted context followed by the intact tail starting after
// the cached boundary. Returns the original messages when the hit does not
// apply.
func ApplyProactive(entry OverflowEntry, model domain.ModelDescriptor, msgs []domain.Message) ([]domain.Message, bool) {
	if entry.ModelID != model.ID {
		return msgs, false
	}
	if len(msgs) < entry.MessageCount {
		return msgs, false
	}
	boundary := entry.HistoricalEndIndex + 1
	if boundary <= 0 || boundary >= len(msgs) {
		return msgs, false
	}
	out := make([]domain.Message, 0, len(msgs)-boundary+1)
	out = append(out, domain.Message{
		Role:    domain.RoleSystem,
		Content: historicalContextPrefix + entry.ExtractedContext,
	})
	out = append(out, msgs[boundary:]...)
	return out, true
}

// IntactBoundary computes the smallest index such that messages[boundary:]
// fits the intact budget (0.7 of the context window). The final message is
// always kept, even oversized.
func IntactBoundary(counter *TokenCounter, model domain.ModelDescriptor, msgs []domain.Message) int {
	budget := BudgetFor(model).Intact
	total := 0
	boundary := len(msgs) - 1
	for i := len(msgs) - 1; i >= 0; i-- {
		tokens := counter.CountTokens(msgs[i].Text()) + 4
		if total+tokens > budget && i != len(msgs)-1 {
			break
		}
		total += tokens
		boundary = i
	}
	return boundary
}

// BuildExtractionInput renders the historical messages (and optionally a
// prior summary for incremental updates) into the extraction call input,
// truncated to the historical budget.
func BuildExtractionInput(counter *TokenCounter, model domain.ModelDescriptor, priorSummary string, msgs []domain.Message) (system, user string) {
	var sb strings.Builder
	if priorSummary != "" {
		system = incrementalExtractPrompt
		fmt.Fprintf(&sb, "Existing summary:\n%s\n\nSubsequent messages:\n", priorSummary)
	} else {
		system = extractSystemPrompt
	}
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Text())
	}

	user = sb.String()
	budget := BudgetFor(model).Extraction
	if counter.CountTokens(user) > budget {
		// Truncate to fit, keeping the most recent portion.
		maxChars := int(float64(budget) * charsPerTokenSafe)
		if len(user) > maxChars {
			user = user[len(user)-maxChars:]
		}
	}
	return system, user
}
