package proxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestLogEntry records one request handled by a preview server.
type RequestLogEntry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	Injected   bool          `json:"injected,omitempty"`  // picker tag added to the body
	WebSocket  bool          `json:"websocket,omitempty"` // upgrade request
	Error      string        `json:"error,omitempty"`
}

// TrafficLogger stores preview traffic with bounded memory.
type TrafficLogger struct {
	entries []RequestLogEntry
	maxSize int
	head    atomic.Int64 // Next write position
	count   atomic.Int64 // Total entries written
	mu      sync.RWMutex // Protects entries slice
}

// NewTrafficLogger creates a new logger with specified max entries.
func NewTrafficLogger(maxSize int) *TrafficLogger {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &TrafficLogger{
		entries: make([]RequestLogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Log adds an entry to the circular buffer.
func (tl *TrafficLogger) Log(entry RequestLogEntry) {
	tl.mu.Lock()
	pos := tl.head.Add(1) - 1
	tl.entries[int(pos%int64(tl.maxSize))] = entry
	tl.count.Add(1)
	tl.mu.Unlock()
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns all
// retained entries.
func (tl *TrafficLogger) Recent(limit int) []RequestLogEntry {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	total := tl.count.Load()
	available := int(min(total, int64(tl.maxSize)))
	if limit <= 0 || limit > available {
		limit = available
	}

	results := make([]RequestLogEntry, 0, limit)
	start := tl.head.Load() - int64(limit)
	for i := int64(0); i < int64(limit); i++ {
		results = append(results, tl.entries[int((start+i)%int64(tl.maxSize))])
	}
	return results
}

// Clear removes all log entries.
func (tl *TrafficLogger) Clear() {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.head.Store(0)
	tl.count.Store(0)
	for i := range tl.entries {
		tl.entries[i] = RequestLogEntry{}
	}
}

// Stats returns logger statistics.
func (tl *TrafficLogger) Stats() LoggerStats {
	total := tl.count.Load()
	available := int(min(total, int64(tl.maxSize)))
	return LoggerStats{
		TotalEntries:     total,
		AvailableEntries: int64(available),
		MaxSize:          int64(tl.maxSize),
		Dropped:          max(0, total-int64(tl.maxSize)),
	}
}

// LoggerStats holds logger statistics.
type LoggerStats struct {
	TotalEntries     int64 `json:"total_entries"`
	AvailableEntries int64 `json:"available_entries"`
	MaxSize          int64 `json:"max_size"`
	Dropped          int64 `json:"dropped"`
}
