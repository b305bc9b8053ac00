package events

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Record is one journaled event with its sequence number.
type Record struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Event     Event     `json:"event"`
}

// Journal keeps the most recent dispatched events for incremental reads.
type Journal struct {
	mu         sync.RWMutex
	nextSeq    int64
	maxRecords int
	records    []Record
}

// NewJournal creates a bounded in-memory event buffer.
func NewJournal(maxRecords int) *Journal {
	if maxRecords <= 0 {
		maxRecords = 500
	}

	return &Journal{
		maxRecords: maxRecords,
		records:    make([]Record, 0, maxRecords),
	}
}

// Append stores ev and assigns sequence and timestamp.
func (j *Journal) Append(ev Event) Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSeq++
	rec := Record{
		Seq:       j.nextSeq,
		Timestamp: time.Now().UTC(),
		Type:      ev.Type(),
		Event:     ev,
	}

	j.records = append(j.records, rec)
	if len(j.records) > j.maxRecords {
		trim := len(j.records) - j.maxRecords
		j.records = append([]Record(nil), j.records[trim:]...)
	}

	return rec
}

// Since returns records with sequence strictly greater than seq, optionally
// restricted to the given types.
func (j *Journal) Since(seq int64, types ...Type) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if len(j.records) == 0 {
		return nil
	}

	out := make([]Record, 0, len(j.records))
	for _, rec := range j.records {
		if rec.Seq <= seq {
			continue
		}
		if len(types) > 0 && !lo.Contains(types, rec.Type) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
