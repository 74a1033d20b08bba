package httpapi

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

func seededStore(t *testing.T, n int) *Store {
	t.Helper()
	store := NewStore()
	if err := store.PutSandbox(schema.ConnectionInfo{SandboxID: "sbx", SandboxName: "demo", State: schema.SandboxRunning}); err != nil {
		t.Fatalf("put sandbox: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		record := schema.CommandRecord{ID: schema.CommandID(string(rune('a' + i))), Command: "cmd", StartedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.PutCommand("sbx", record); err != nil {
			t.Fatalf("put command: %v", err)
		}
	}
	return store
}

func TestStoreCommandsPaging(t *testing.T) {
	store := seededStore(t, 5)
	cases := []struct {
		limit, offset int
		want          string
	}{
		{0, 0, "abcde"},
		{2, 0, "ab"},
		{2, 3, "de"},
		{10, 4, "e"},
		{0, 7, ""},
	}
	for _, tc := range cases {
		records, err := store.Commands("sbx", tc.limit, tc.offset)
		if err != nil {
			t.Fatalf("commands: %v", err)
		}
		got := ""
		for _, r := range records {
			got += string(r.ID)
		}
		if got != tc.want {
			t.Fatalf("limit=%d offset=%d: got %q, want %q", tc.limit, tc.offset, got, tc.want)
		}
	}
}

func TestStoreCommandsHugeLimit(t *testing.T) {
	store := seededStore(t, 2)
	records, err := store.Commands("sbx", math.MaxInt, 1)
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	if len(records) != 1 || records[0].ID != "b" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestStoreRecentAndReplace(t *testing.T) {
	store := seededStore(t, 4)
	if err := store.PutCommand("sbx", schema.CommandRecord{ID: "b", Command: "updated"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	recent, err := store.Recent("sbx", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "b" || recent[0].Command != "updated" || recent[2].ID != "d" {
		t.Fatalf("unexpected recent: %+v", recent)
	}
}

func TestStoreUnknownSandbox(t *testing.T) {
	store := NewStore()
	if _, err := store.Sandbox("nope"); !errors.Is(err, schema.ErrSandboxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.PutCommand("nope", schema.CommandRecord{ID: "x"}); !errors.Is(err, schema.ErrSandboxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.PutSandbox(schema.ConnectionInfo{SandboxID: "bad/id"}); !errors.Is(err, schema.ErrInvalidSandbox) {
		t.Fatalf("expected invalid sandbox, got %v", err)
	}
}

type recordedCall struct {
	record schema.CommandRecord
	file   string
}

type fakeRecorder struct {
	calls []recordedCall
}

func (f *fakeRecorder) RecordCommand(_ context.Context, _ schema.SandboxID, record schema.CommandRecord) error {
	f.calls = append(f.calls, recordedCall{record: record})
	return nil
}

func (f *fakeRecorder) PublishFileChange(_ schema.SandboxID, path, _ string) error {
	f.calls = append(f.calls, recordedCall{file: path})
	return nil
}

func TestSimulatorStartsThenCompletes(t *testing.T) {
	rec := &fakeRecorder{}
	sim := NewSimulator(rec, "sbx", time.Second)
	sim.script = []scriptedCommand{{command: "touch /tmp/x", stdout: "ok\n", exitCode: 0, file: "/tmp/x"}}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := sim.Step(context.Background(), start); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := sim.Step(context.Background(), start.Add(2*time.Second)); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(rec.calls) != 3 {
		t.Fatalf("expected start, completion and file change, got %d calls", len(rec.calls))
	}
	started, done := rec.calls[0].record, rec.calls[1].record
	if started.ID == "" || started.ID != done.ID {
		t.Fatalf("completion must reuse the command id: %q vs %q", started.ID, done.ID)
	}
	if !started.Running() || done.Running() || done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("unexpected lifecycle: %+v -> %+v", started, done)
	}
	if d, ok := done.Duration(); !ok || d != 2*time.Second {
		t.Fatalf("unexpected duration %v", d)
	}
	if rec.calls[2].file != "/tmp/x" {
		t.Fatalf("expected file change, got %+v", rec.calls[2])
	}
}
