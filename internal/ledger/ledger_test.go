package ledger

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

var (
	t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Second)
	t2 = t0.Add(2 * time.Second)
)

func TestSeedThenMergeCompletesRecord(t *testing.T) {
	l := New()
	if added := l.Seed([]schema.CommandRecord{{ID: "a", Command: "ls", StartedAt: t1}}); added != 1 {
		t.Fatalf("expected 1 seeded record, got %d", added)
	}
	merged, changed := l.Merge(schema.CommandRecord{
		ID: "a", Command: "ls", StartedAt: t1,
		ExitCode: schema.IntPtr(0), EndedAt: schema.TimePtr(t2),
	})
	if !changed {
		t.Fatalf("expected merge to change the record")
	}
	if merged.ExitCode == nil || *merged.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", merged.ExitCode)
	}
	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one record, got %d", len(snap))
	}
	if snap[0].ExitCode == nil || *snap[0].ExitCode != 0 || snap[0].EndedAt == nil {
		t.Fatalf("unexpected snapshot record: %+v", snap[0])
	}
}

func TestHistoryThenNewOrdersByStart(t *testing.T) {
	l := New()
	l.Merge(schema.CommandRecord{ID: "b", Command: "pwd", StartedAt: t0})
	l.Merge(schema.CommandRecord{ID: "a", Command: "ls", StartedAt: t1})
	assertOrder(t, l, "b", "a")
}

func TestOutOfOrderArrivalIsSorted(t *testing.T) {
	l := New()
	l.Merge(schema.CommandRecord{ID: "late", Command: "x", StartedAt: t2})
	l.Merge(schema.CommandRecord{ID: "early", Command: "y", StartedAt: t0})
	l.Merge(schema.CommandRecord{ID: "mid", Command: "z", StartedAt: t1})
	assertOrder(t, l, "early", "mid", "late")
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	l := New()
	l.Seed([]schema.CommandRecord{
		{ID: "z", Command: "1"},
		{ID: "y", Command: "2", StartedAt: t1},
		{ID: "x", Command: "3"},
	})
	l.Merge(schema.CommandRecord{ID: "w", Command: "4", StartedAt: t1})
	l.Merge(schema.CommandRecord{ID: "v", Command: "5"})
	assertOrder(t, l, "z", "x", "v", "y", "w")

	// Updating a record without moving its start time keeps its slot.
	l.Merge(schema.CommandRecord{ID: "z", Command: "1", Stdout: schema.StringPtr("out")})
	assertOrder(t, l, "z", "x", "v", "y", "w")
}

func TestLaterStartTimeMovesRecord(t *testing.T) {
	l := New()
	l.Merge(schema.CommandRecord{ID: "a", Command: "ls"})
	l.Merge(schema.CommandRecord{ID: "b", Command: "pwd", StartedAt: t1})
	l.Merge(schema.CommandRecord{ID: "a", Command: "ls", StartedAt: t2})
	assertOrder(t, l, "b", "a")
}

func TestSeedSkipsKnownIDs(t *testing.T) {
	l := New()
	l.Merge(schema.CommandRecord{ID: "a", Command: "ls", StartedAt: t1, Stdout: schema.StringPtr("live")})
	added := l.Seed([]schema.CommandRecord{
		{ID: "a", Command: "ls", StartedAt: t1, Stdout: schema.StringPtr("stale")},
		{ID: "b", Command: "pwd", StartedAt: t0},
		{ID: "b", Command: "dup", StartedAt: t0},
		{Command: "no id"},
	})
	if added != 1 {
		t.Fatalf("expected 1 added record, got %d", added)
	}
	rec, _ := l.Get("a")
	if rec.Stdout == nil || *rec.Stdout != "live" {
		t.Fatalf("seed must not overwrite a known record, got %v", rec.Stdout)
	}
	b, _ := l.Get("b")
	if b.Command != "pwd" {
		t.Fatalf("expected first duplicate to win, got %q", b.Command)
	}
	assertOrder(t, l, "b", "a")
}

func TestMergeNeverErasesDefinedFields(t *testing.T) {
	l := New()
	l.Merge(schema.CommandRecord{
		ID: "a", Command: "make", StartedAt: t0,
		Stdout: schema.StringPtr("building"), Stderr: schema.StringPtr("warn"),
		ExitCode: schema.IntPtr(2), EndedAt: schema.TimePtr(t2),
	})
	_, changed := l.Merge(schema.CommandRecord{ID: "a", Command: "make", StartedAt: t0})
	if changed {
		t.Fatalf("a sparse update must not change the record")
	}
	rec, _ := l.Get("a")
	if rec.Stdout == nil || rec.Stderr == nil || rec.ExitCode == nil || rec.EndedAt == nil {
		t.Fatalf("defined fields regressed: %+v", rec)
	}
	_, changed = l.Merge(schema.CommandRecord{ID: "a", Stdout: schema.StringPtr("done")})
	if !changed {
		t.Fatalf("expected newly defined value to replace old one")
	}
	rec, _ = l.Get("a")
	if *rec.Stdout != "done" || rec.Command != "make" || !rec.StartedAt.Equal(t0) {
		t.Fatalf("unexpected record after partial update: %+v", rec)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	l := New()
	record := schema.CommandRecord{
		ID: "a", Command: "ls", StartedAt: t1,
		Stdout: schema.StringPtr("x"), ExitCode: schema.IntPtr(0), EndedAt: schema.TimePtr(t2),
	}
	if _, changed := l.Merge(record); !changed {
		t.Fatalf("first merge should change the ledger")
	}
	before := l.Snapshot()
	version := l.Version()
	// Equal values behind different pointers are still the same payload.
	again := record
	again.Stdout = schema.StringPtr("x")
	again.ExitCode = schema.IntPtr(0)
	again.EndedAt = schema.TimePtr(t2)
	if _, changed := l.Merge(again); changed {
		t.Fatalf("second merge of identical payload should not change the ledger")
	}
	if l.Version() != version {
		t.Fatalf("version moved on a no-op merge")
	}
	after := l.Snapshot()
	if len(before) != len(after) || !equal(before[0], after[0]) {
		t.Fatalf("snapshot changed: %+v vs %+v", before, after)
	}
}

// Any arrival order of partial updates ends with the union of their defined
// fields.
func TestMergeUnionIsOrderIndependent(t *testing.T) {
	updates := []schema.CommandRecord{
		{ID: "a", Command: "build", StartedAt: t0},
		{ID: "a", Command: "build", Stdout: schema.StringPtr("out")},
		{ID: "a", Command: "build", Stderr: schema.StringPtr("err")},
		{ID: "a", Command: "build", ExitCode: schema.IntPtr(3)},
		{ID: "a", Command: "build", EndedAt: schema.TimePtr(t2)},
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		perm := rng.Perm(len(updates))
		// Replay a random subset twice to mix in duplicates.
		extra := rng.Intn(len(updates))
		l := New()
		for _, idx := range perm {
			l.Merge(updates[idx])
		}
		l.Merge(updates[perm[extra]])
		rec, ok := l.Get("a")
		if !ok {
			t.Fatalf("iteration %d: record missing", i)
		}
		if !rec.StartedAt.Equal(t0) || rec.Stdout == nil || *rec.Stdout != "out" ||
			rec.Stderr == nil || *rec.Stderr != "err" || rec.ExitCode == nil || *rec.ExitCode != 3 ||
			rec.EndedAt == nil || !rec.EndedAt.Equal(t2) {
			t.Fatalf("iteration %d (perm %v): union incomplete: %+v", i, perm, rec)
		}
		if l.Len() != 1 {
			t.Fatalf("iteration %d: expected a single record, got %d", i, l.Len())
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := New()
	l.Merge(schema.CommandRecord{ID: "a", Command: "ls"})
	snap := l.Snapshot()
	snap[0].Command = "mutated"
	rec, _ := l.Get("a")
	if rec.Command != "ls" {
		t.Fatalf("snapshot mutation leaked into ledger")
	}
}

func TestConcurrentReadsSeeSortedView(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			id := schema.CommandID(fmt.Sprintf("cmd-%d", i%97))
			l.Merge(schema.CommandRecord{
				ID:        id,
				Command:   "echo",
				StartedAt: t0.Add(time.Duration((i*7919)%97) * time.Millisecond),
				Stdout:    schema.StringPtr(fmt.Sprintf("%d", i)),
			})
		}
	}()
	errs := make(chan error, 1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			snap := l.Snapshot()
			for j := 1; j < len(snap); j++ {
				if snap[j].StartedAt.Before(snap[j-1].StartedAt) {
					select {
					case errs <- fmt.Errorf("unsorted snapshot at %d", j):
					default:
					}
					return
				}
			}
		}
	}()
	wg.Wait()
	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
}

func assertOrder(t *testing.T, l *Ledger, ids ...schema.CommandID) {
	t.Helper()
	snap := l.Snapshot()
	if len(snap) != len(ids) {
		t.Fatalf("expected %d records, got %d", len(ids), len(snap))
	}
	for i, id := range ids {
		if snap[i].ID != id {
			got := make([]schema.CommandID, len(snap))
			for j, rec := range snap {
				got[j] = rec.ID
			}
			t.Fatalf("order = %v, want %v", got, ids)
		}
	}
}
