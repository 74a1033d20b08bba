package main

import (
	"context"
	"testing"
	"time"

	"pkt.systems/sandboxwatch/httpapi"
	"pkt.systems/sandboxwatch/internal/persist"
	"pkt.systems/sandboxwatch/schema"
)

func TestPersistingRecorderRestoresHistory(t *testing.T) {
	dir := t.TempDir()
	history, err := persist.NewStore(dir)
	if err != nil {
		t.Fatalf("persist store: %v", err)
	}
	newServer := func() (*httpapi.Server, *httpapi.Store) {
		store := httpapi.NewStore()
		if err := store.PutSandbox(schema.ConnectionInfo{SandboxID: "sbx-demo", State: schema.SandboxRunning}); err != nil {
			t.Fatalf("put sandbox: %v", err)
		}
		return httpapi.NewServer(httpapi.Config{}, store, nil), store
	}

	srv, _ := newServer()
	recorder := &persistingRecorder{Server: srv, history: history}
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := recorder.RecordCommand(context.Background(), "sbx-demo", schema.CommandRecord{ID: "c1", Command: "ls", StartedAt: start}); err != nil {
		t.Fatalf("record c1: %v", err)
	}
	if err := recorder.RecordCommand(context.Background(), "sbx-demo", schema.CommandRecord{
		ID: "c1", Command: "ls", StartedAt: start, ExitCode: schema.IntPtr(0), EndedAt: schema.TimePtr(start.Add(time.Second)),
	}); err != nil {
		t.Fatalf("complete c1: %v", err)
	}

	_, restartedStore := newServer()
	restored, err := restoreHistory(restartedStore, history, "sbx-demo")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 restored command, got %d", restored)
	}
	records, err := restartedStore.Commands("sbx-demo", 0, 0)
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	if len(records) != 1 || records[0].Running() {
		t.Fatalf("expected the completed command, got %+v", records)
	}
}

func TestRestoreHistoryWithoutFile(t *testing.T) {
	history, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("persist store: %v", err)
	}
	store := httpapi.NewStore()
	if err := store.PutSandbox(schema.ConnectionInfo{SandboxID: "sbx-demo"}); err != nil {
		t.Fatalf("put sandbox: %v", err)
	}
	restored, err := restoreHistory(store, history, "sbx-demo")
	if err != nil || restored != 0 {
		t.Fatalf("restore = %d, %v", restored, err)
	}
}
