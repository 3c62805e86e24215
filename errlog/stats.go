package errlog

import (
	"sort"
	"sync"

	"github.com/chreez/skelly-jelly-sub001/message"
)

// MessageCount pairs a sanitized message with how often it was logged.
type MessageCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// Statistics is a snapshot of the logger's rolling counters.
type Statistics struct {
	TotalLogged  int64                      `json:"total_logged"`
	TotalDropped int64                      `json:"total_dropped"`
	BySeverity   map[Severity]int64         `json:"by_severity"`
	ByCategory   map[Category]int64         `json:"by_category"`
	ByModule     map[message.ModuleID]int64 `json:"by_module"`
	TopMessages  []MessageCount             `json:"top_messages"`
}

// statsTracker accumulates counts; one per Logger.
type statsTracker struct {
	mu           sync.Mutex
	totalLogged  int64
	totalDropped int64
	bySeverity   map[Severity]int64
	byCategory   map[Category]int64
	byModule     map[message.ModuleID]int64
	messages     map[string]int64
	topN         int
}

func newStatsTracker(topN int) *statsTracker {
	if topN <= 0 {
		topN = 10
	}
	return &statsTracker{
		bySeverity: make(map[Severity]int64),
		byCategory: make(map[Category]int64),
		byModule:   make(map[message.ModuleID]int64),
		messages:   make(map[string]int64),
		topN:       topN,
	}
}

func (t *statsTracker) recordLogged(c Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalLogged++
	t.bySeverity[c.Severity]++
	t.byCategory[c.Category]++
	if c.Module != "" {
		t.byModule[c.Module]++
	}
	t.messages[c.Message]++
}

func (t *statsTracker) recordDropped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalDropped++
}

func (t *statsTracker) snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{
		TotalLogged:  t.totalLogged,
		TotalDropped: t.totalDropped,
		BySeverity:   make(map[Severity]int64, len(t.bySeverity)),
		ByCategory:   make(map[Category]int64, len(t.byCategory)),
		ByModule:     make(map[message.ModuleID]int64, len(t.byModule)),
	}
	for k, v := range t.bySeverity {
		stats.BySeverity[k] = v
	}
	for k, v := range t.byCategory {
		stats.ByCategory[k] = v
	}
	for k, v := range t.byModule {
		stats.ByModule[k] = v
	}

	top := make([]MessageCount, 0, len(t.messages))
	for msg, n := range t.messages {
		top = append(top, MessageCount{Message: msg, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Message < top[j].Message
	})
	if len(top) > t.topN {
		top = top[:t.topN]
	}
	stats.TopMessages = top
	return stats
}
