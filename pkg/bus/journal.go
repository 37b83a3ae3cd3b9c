package bus

import (
	"sync"

	"github.com/aide-run/aide/pkg/models"
)

// JournalEntry is one journaled event with its monotonic sequence number.
type JournalEntry struct {
	Seq   uint64       `json:"seq"`
	Event models.Event `json:"event"`
}

// Journal is a bounded in-memory ring of published events. Late subscribers
// use Since for catch-up; once the ring wraps, older entries are gone and
// callers fall back to the audit log.
type Journal struct {
	mu      sync.RWMutex
	entries []JournalEntry
	next    uint64
	cap     int
}

func newJournal(capacity int) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{cap: capacity}
}

func (j *Journal) append(e models.Event) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.next++
	j.entries = append(j.entries, JournalEntry{Seq: j.next, Event: e})
	if len(j.entries) > j.cap {
		j.entries = j.entries[len(j.entries)-j.cap:]
	}
	return j.next
}

// Since returns up to limit entries with Seq > seq, oldest first.
// limit <= 0 means no limit.
func (j *Journal) Since(seq uint64, limit int) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		if e.Seq > seq {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// LastSeq returns the sequence number of the most recent entry.
func (j *Journal) LastSeq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.next
}
