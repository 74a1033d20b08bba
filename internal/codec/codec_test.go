package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

func TestDecodeConnected(t *testing.T) {
	frame := []byte(`{"type":"connected","timestamp":"2024-01-15T10:30:00Z","sandbox_id":"SBX-123",
		"data":{"sandbox_id":"SBX-123","sandbox_name":"web-1","state":"running","ip_address":"10.0.0.5"}}`)
	event, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	connected, ok := event.(schema.ConnectedEvent)
	if !ok {
		t.Fatalf("expected ConnectedEvent, got %T", event)
	}
	if connected.Info.SandboxID != "SBX-123" || connected.Info.SandboxName != "web-1" {
		t.Fatalf("unexpected info: %+v", connected.Info)
	}
	if connected.Info.State != schema.SandboxRunning {
		t.Fatalf("expected RUNNING, got %q", connected.Info.State)
	}
	if connected.Info.IPAddress != "10.0.0.5" {
		t.Fatalf("unexpected ip: %q", connected.Info.IPAddress)
	}
	if connected.Meta().SandboxID != "SBX-123" {
		t.Fatalf("unexpected envelope: %+v", connected.Meta())
	}
}

func TestDecodeCommandVariants(t *testing.T) {
	history := []byte(`{"type":"command_history","timestamp":"2024-01-15T10:30:00Z",
		"data":{"command_id":"CMD-1","command":"ls -la","stdout":"a\nb","exit_code":0,
		"started_at":"2024-01-15T10:29:58Z","ended_at":"2024-01-15T10:29:59Z"}}`)
	event, err := Decode(history)
	if err != nil {
		t.Fatalf("Decode history: %v", err)
	}
	hist, ok := event.(schema.CommandHistoryEvent)
	if !ok {
		t.Fatalf("expected CommandHistoryEvent, got %T", event)
	}
	rec := hist.Record
	if rec.ID != "CMD-1" || rec.Command != "ls -la" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Stdout == nil || *rec.Stdout != "a\nb" {
		t.Fatalf("expected stdout, got %v", rec.Stdout)
	}
	if rec.Stderr != nil {
		t.Fatalf("expected absent stderr")
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("expected exit code 0 for completed command")
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(time.Date(2024, 1, 15, 10, 29, 59, 0, time.UTC)) {
		t.Fatalf("unexpected ended_at: %v", rec.EndedAt)
	}

	update := []byte(`{"type":"command_new","timestamp":"2024-01-15T10:30:00Z",
		"data":{"command_id":"CMD-2","command":"make"}}`)
	event, err = Decode(update)
	if err != nil {
		t.Fatalf("Decode update: %v", err)
	}
	if _, ok := event.(schema.CommandUpdateEvent); !ok {
		t.Fatalf("expected CommandUpdateEvent, got %T", event)
	}
}

func TestDecodeNormalizesPlaceholders(t *testing.T) {
	frame := []byte(`{"type":"command_new","timestamp":"2024-01-15T10:30:00Z",
		"data":{"command_id":"CMD-3","command":"sleep 10","stdout":"","stderr":"",
		"exit_code":0,"started_at":"2024-01-15T10:29:58Z","ended_at":"0001-01-01T00:00:00Z"}}`)
	event, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rec := event.(schema.CommandUpdateEvent).Record
	if rec.Stdout != nil || rec.Stderr != nil {
		t.Fatalf("expected empty output to be absent: %+v", rec)
	}
	if rec.EndedAt != nil {
		t.Fatalf("expected zero ended_at to be absent")
	}
	if rec.ExitCode != nil {
		t.Fatalf("expected placeholder exit code to be absent")
	}
	if !rec.Running() {
		t.Fatalf("expected running command")
	}
}

func TestDecodeTreatsMalformedFieldsAsAbsent(t *testing.T) {
	frame := []byte(`{"type":"command_new","timestamp":"2024-01-15T10:30:00Z",
		"data":{"command_id":"CMD-4","command":"true","stdout":42,"exit_code":"x",
		"started_at":"yesterday","ended_at":"2024-01-15T10:29:59Z"}}`)
	event, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rec := event.(schema.CommandUpdateEvent).Record
	if rec.Stdout != nil || rec.ExitCode != nil {
		t.Fatalf("expected malformed fields to be absent: %+v", rec)
	}
	if !rec.StartedAt.IsZero() {
		t.Fatalf("expected zero started_at, got %v", rec.StartedAt)
	}
	if rec.EndedAt == nil {
		t.Fatalf("expected ended_at to survive")
	}
}

func TestDecodeHeartbeatAndFileChange(t *testing.T) {
	event, err := Decode([]byte(`{"type":"heartbeat","timestamp":"2024-01-15T10:30:00Z","sandbox_id":"SBX-1"}`))
	if err != nil {
		t.Fatalf("Decode heartbeat: %v", err)
	}
	if _, ok := event.(schema.HeartbeatEvent); !ok {
		t.Fatalf("expected HeartbeatEvent, got %T", event)
	}

	event, err = Decode([]byte(`{"type":"file_change","timestamp":"2024-01-15T10:30:00Z","data":{"path":"/etc/hosts","operation":"modified"}}`))
	if err != nil {
		t.Fatalf("Decode file_change: %v", err)
	}
	change, ok := event.(schema.FileChangeEvent)
	if !ok {
		t.Fatalf("expected FileChangeEvent, got %T", event)
	}
	if !strings.Contains(string(change.Payload), `"/etc/hosts"`) {
		t.Fatalf("expected payload forwarded verbatim, got %s", change.Payload)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name   string
		frame  string
		reason string
	}{
		{"empty", "  ", "empty frame"},
		{"not-json", "{nope", "invalid json"},
		{"array", `[1,2]`, "invalid json"},
		{"missing-type", `{"timestamp":"2024-01-15T10:30:00Z"}`, "missing type"},
		{"missing-timestamp", `{"type":"heartbeat"}`, "missing timestamp"},
		{"bad-timestamp", `{"type":"heartbeat","timestamp":"soon"}`, "invalid timestamp"},
		{"unknown-type", `{"type":"command","timestamp":"2024-01-15T10:30:00Z"}`, "unknown event type"},
		{"command-missing-id", `{"type":"command_new","timestamp":"2024-01-15T10:30:00Z","data":{"command":"ls"}}`, "command data"},
		{"command-missing-command", `{"type":"command_new","timestamp":"2024-01-15T10:30:00Z","data":{"command_id":"c"}}`, "command data"},
		{"command-no-data", `{"type":"command_history","timestamp":"2024-01-15T10:30:00Z"}`, "command data"},
		{"connected-no-id", `{"type":"connected","timestamp":"2024-01-15T10:30:00Z","data":{"state":"RUNNING"}}`, "connected data"},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.frame))
		if !errors.Is(err, schema.ErrDecode) {
			t.Fatalf("%s: expected ErrDecode, got %v", tc.name, err)
		}
		var decodeErr *schema.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("%s: expected *schema.DecodeError, got %T", tc.name, err)
		}
		if !strings.HasPrefix(decodeErr.Reason, tc.reason) {
			t.Fatalf("%s: reason = %q, want prefix %q", tc.name, decodeErr.Reason, tc.reason)
		}
		if string(decodeErr.Frame) != tc.frame {
			t.Fatalf("%s: expected frame to be preserved", tc.name)
		}
	}
}

func TestEncodeDecodeCommandFrame(t *testing.T) {
	started := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	ended := started.Add(2 * time.Second)
	event := schema.CommandUpdateEvent{
		Envelope: schema.Envelope{Timestamp: ended, SandboxID: "SBX-9"},
		Record: schema.CommandRecord{
			ID:        "CMD-9",
			Command:   "false",
			Stderr:    schema.StringPtr("nope"),
			ExitCode:  schema.IntPtr(1),
			StartedAt: started,
			EndedAt:   &ended,
		},
	}
	frame, err := Encode(event)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(frame), `"type":"command_new"`) || !strings.Contains(string(frame), `"command_id":"CMD-9"`) {
		t.Fatalf("unexpected frame: %s", frame)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rec := decoded.(schema.CommandUpdateEvent).Record
	if rec.ExitCode == nil || *rec.ExitCode != 1 || rec.Stderr == nil || *rec.Stderr != "nope" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.StartedAt.Equal(started) || rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Fatalf("unexpected timestamps: %+v", rec)
	}
}

func TestSnapshotUsesIDField(t *testing.T) {
	started := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	body, err := EncodeSnapshot([]schema.CommandRecord{{ID: "a", Command: "ls", StartedAt: started}})
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if !strings.Contains(string(body), `"id":"a"`) || !strings.Contains(string(body), `"total":1`) {
		t.Fatalf("unexpected snapshot body: %s", body)
	}

	records, skipped, err := DecodeSnapshot([]byte(`{"commands":[
		{"id":"a","command":"ls","started_at":"2024-01-15T10:00:00Z","ended_at":"0001-01-01T00:00:00Z","exit_code":0},
		{"command":"orphan"},
		{"id":"b","command":"pwd","stdout":"/root\n","exit_code":0,"ended_at":"2024-01-15T10:00:01Z"}
	],"total":3}`))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped entry, got %d", skipped)
	}
	if len(records) != 2 || records[0].ID != "a" || records[1].ID != "b" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].ExitCode != nil {
		t.Fatalf("expected running placeholder exit code to be dropped")
	}
	if records[1].ExitCode == nil || *records[1].ExitCode != 0 {
		t.Fatalf("expected completed exit code")
	}

	if _, _, err := DecodeSnapshot([]byte(`nope`)); err == nil {
		t.Fatalf("expected error for invalid body")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview([]byte("  abcdef  "), 3); got != "abc" {
		t.Fatalf("Preview = %q", got)
	}
	if got := Preview([]byte("abc"), 0); got != "abc" {
		t.Fatalf("Preview = %q", got)
	}
}
