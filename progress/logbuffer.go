package progress

import (
	"strings"
	"sync"
)

// Severity labels derived client-side from event message text.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Severity classifies an event message by keyword. The bus envelope carries
// no severity field, so every consumer applies the same keyword rules.
func Severity(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "complete"), strings.Contains(m, "success"):
		return SeveritySuccess
	case strings.Contains(m, "failed"), strings.Contains(m, "error"):
		return SeverityError
	case strings.Contains(m, "retry"), strings.Contains(m, "warn"):
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// LogEntry is one classified event in a purchase order's activity log.
type LogEntry struct {
	Event    Event  `json:"event"`
	Severity string `json:"severity"`
}

// logRingSize bounds the per-PO activity log.
const logRingSize = 100

// LogBuffer keeps the last 100 events per purchase order, the view the UI
// renders as an activity log. Events carrying neither a poId nor a
// workflowId have no home and are discarded.
type LogBuffer struct {
	mu    sync.Mutex
	rings map[string][]LogEntry
}

// NewLogBuffer creates an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{rings: map[string][]LogEntry{}}
}

func ringKey(ev Event) string {
	if ev.POID != "" {
		return ev.POID
	}
	return ev.WorkflowID
}

// Add classifies and appends one event, evicting the oldest entry once the
// ring is full.
func (l *LogBuffer) Add(ev Event) {
	key := ringKey(ev)
	if key == "" {
		return
	}
	entry := LogEntry{Event: ev, Severity: Severity(ev.Message)}

	l.mu.Lock()
	defer l.mu.Unlock()
	ring := l.rings[key]
	if len(ring) == logRingSize {
		copy(ring, ring[1:])
		ring[logRingSize-1] = entry
	} else {
		ring = append(ring, entry)
	}
	l.rings[key] = ring
}

// Entries returns a copy of the ring for one purchase order, oldest first.
func (l *LogBuffer) Entries(poID string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ring := l.rings[poID]
	out := make([]LogEntry, len(ring))
	copy(out, ring)
	return out
}

// Drop discards the ring for one purchase order.
func (l *LogBuffer) Drop(poID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rings, poID)
}
