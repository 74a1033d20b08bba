// Package ledger holds the deduplicated, ordered view of the commands known
// for one sandbox.
package ledger

import (
	"sort"
	"sync"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

// View is the read-only side of a Ledger.
type View interface {
	Snapshot() []schema.CommandRecord
	Get(id schema.CommandID) (schema.CommandRecord, bool)
	Len() int
	Version() uint64
}

type entry struct {
	record schema.CommandRecord
	seq    uint64
}

// Ledger merges snapshot and stream records by command id. Reads may run
// concurrently with merges; the ordered view is always consistent.
type Ledger struct {
	mu      sync.RWMutex
	byID    map[schema.CommandID]*entry
	order   []*entry
	seq     uint64
	version uint64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{byID: make(map[schema.CommandID]*entry)}
}

// Seed inserts every record whose id is not known yet, in the order given.
// Known ids are left untouched. It returns the number of inserted records.
func (l *Ledger) Seed(records []schema.CommandRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		if _, ok := l.byID[record.ID]; ok {
			continue
		}
		l.insertLocked(record)
		added++
	}
	if added > 0 {
		l.version++
	}
	return added
}

// Merge upserts record by id. Defined fields of a known record are only ever
// replaced by other defined values. It reports whether the view changed and
// returns the stored record.
func (l *Ledger) Merge(record schema.CommandRecord) (schema.CommandRecord, bool) {
	if record.ID == "" {
		return schema.CommandRecord{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.byID[record.ID]
	if !ok {
		e := l.insertLocked(record)
		l.version++
		return e.record, true
	}
	merged := union(current.record, record)
	if equal(current.record, merged) {
		return current.record, false
	}
	reorder := !merged.StartedAt.Equal(current.record.StartedAt)
	current.record = merged
	if reorder {
		l.removeLocked(current)
		l.placeLocked(current)
	}
	l.version++
	return merged, true
}

// Snapshot returns the records ordered by start time, ties in first
// insertion order.
func (l *Ledger) Snapshot() []schema.CommandRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.CommandRecord, len(l.order))
	for i, e := range l.order {
		out[i] = e.record
	}
	return out
}

// Get returns the record stored for id.
func (l *Ledger) Get(id schema.CommandID) (schema.CommandRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return schema.CommandRecord{}, false
	}
	return e.record, true
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Version increases on every observable change.
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func (l *Ledger) insertLocked(record schema.CommandRecord) *entry {
	l.seq++
	e := &entry{record: record, seq: l.seq}
	l.byID[record.ID] = e
	l.placeLocked(e)
	return e
}

func (l *Ledger) placeLocked(e *entry) {
	idx := sort.Search(len(l.order), func(i int) bool {
		return less(e, l.order[i])
	})
	l.order = append(l.order, nil)
	copy(l.order[idx+1:], l.order[idx:])
	l.order[idx] = e
}

func (l *Ledger) removeLocked(e *entry) {
	for i, cur := range l.order {
		if cur == e {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

func less(a, b *entry) bool {
	at, bt := a.record.StartedAt, b.record.StartedAt
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.seq < b.seq
}

func union(cur, in schema.CommandRecord) schema.CommandRecord {
	out := cur
	if in.Command != "" {
		out.Command = in.Command
	}
	if !in.StartedAt.IsZero() {
		out.StartedAt = in.StartedAt
	}
	if in.Stdout != nil {
		out.Stdout = in.Stdout
	}
	if in.Stderr != nil {
		out.Stderr = in.Stderr
	}
	if in.ExitCode != nil {
		out.ExitCode = in.ExitCode
	}
	if in.EndedAt != nil {
		out.EndedAt = in.EndedAt
	}
	return out
}

func equal(a, b schema.CommandRecord) bool {
	return a.ID == b.ID &&
		a.Command == b.Command &&
		a.StartedAt.Equal(b.StartedAt) &&
		equalPtr(a.Stdout, b.Stdout) &&
		equalPtr(a.Stderr, b.Stderr) &&
		equalPtr(a.ExitCode, b.ExitCode) &&
		equalTime(a.EndedAt, b.EndedAt)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
