// Package codec translates sandbox stream frames and snapshot bodies to and
// from schema types.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

type fields map[string]json.RawMessage

// Decode parses one stream frame into a typed event. Every failure is a
// *schema.DecodeError; none of them concern the transport.
func Decode(frame []byte) (schema.StreamEvent, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, decodeErr(frame, "empty frame", nil)
	}
	var top fields
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, decodeErr(frame, "invalid json", err)
	}
	rawType, ok := top.str("type")
	if !ok || rawType == "" {
		return nil, decodeErr(frame, "missing type", nil)
	}
	rawTS, ok := top.str("timestamp")
	if !ok || rawTS == "" {
		return nil, decodeErr(frame, "missing timestamp", nil)
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return nil, decodeErr(frame, "invalid timestamp", err)
	}
	sandboxID, _ := top.str("sandbox_id")
	env := schema.Envelope{
		Type:      schema.EventType(rawType),
		Timestamp: ts,
		SandboxID: schema.SandboxID(sandboxID),
	}

	switch env.Type {
	case schema.EventConnected:
		data, err := top.object("data")
		if err != nil {
			return nil, decodeErr(frame, "connected data", err)
		}
		info, err := decodeConnection(data, env.SandboxID)
		if err != nil {
			return nil, decodeErr(frame, "connected data", err)
		}
		return schema.ConnectedEvent{Envelope: env, Info: info}, nil
	case schema.EventCommandHistory, schema.EventCommandNew:
		data, err := top.object("data")
		if err != nil {
			return nil, decodeErr(frame, "command data", err)
		}
		record, err := decodeCommand(data)
		if err != nil {
			return nil, decodeErr(frame, "command data", err)
		}
		if env.Type == schema.EventCommandHistory {
			return schema.CommandHistoryEvent{Envelope: env, Record: record}, nil
		}
		return schema.CommandUpdateEvent{Envelope: env, Record: record}, nil
	case schema.EventHeartbeat:
		return schema.HeartbeatEvent{Envelope: env}, nil
	case schema.EventFileChange:
		var payload json.RawMessage
		if data, ok := top["data"]; ok && !isNull(data) {
			payload = append(json.RawMessage(nil), data...)
		}
		return schema.FileChangeEvent{Envelope: env, Payload: payload}, nil
	default:
		return nil, decodeErr(frame, "unknown event type "+quote(rawType), nil)
	}
}

// DecodeCommand parses a single command payload using the stream field names
// (command_id) or the snapshot field names (id).
func DecodeCommand(raw []byte) (schema.CommandRecord, error) {
	var data fields
	if err := json.Unmarshal(raw, &data); err != nil {
		return schema.CommandRecord{}, err
	}
	return decodeCommand(data)
}

func decodeConnection(data fields, fallback schema.SandboxID) (schema.ConnectionInfo, error) {
	id, _ := data.str("sandbox_id")
	if id == "" {
		id = string(fallback)
	}
	if id == "" {
		return schema.ConnectionInfo{}, errors.New("sandbox_id is required")
	}
	name, _ := data.str("sandbox_name")
	state, _ := data.str("state")
	ip, _ := data.str("ip_address")
	return schema.ConnectionInfo{
		SandboxID:   schema.SandboxID(id),
		SandboxName: name,
		State:       schema.NormalizeSandboxState(state),
		IPAddress:   ip,
	}, nil
}

func decodeCommand(data fields) (schema.CommandRecord, error) {
	id, ok := data.str("command_id")
	if !ok || id == "" {
		id, ok = data.str("id")
	}
	if !ok || id == "" {
		return schema.CommandRecord{}, errors.New("command_id is required")
	}
	command, ok := data.str("command")
	if !ok {
		return schema.CommandRecord{}, errors.New("command is required")
	}
	record := schema.CommandRecord{
		ID:      schema.CommandID(id),
		Command: command,
	}
	if v, ok := data.str("stdout"); ok && v != "" {
		record.Stdout = &v
	}
	if v, ok := data.str("stderr"); ok && v != "" {
		record.Stderr = &v
	}
	if v, ok := data.when("started_at"); ok {
		record.StartedAt = v
	}
	if v, ok := data.when("ended_at"); ok {
		record.EndedAt = &v
	}
	if v, ok := data.num("exit_code"); ok {
		// Running commands are reported with a zero exit code placeholder.
		if record.EndedAt != nil || v != 0 {
			record.ExitCode = &v
		}
	}
	return record, nil
}

func (f fields) str(key string) (string, bool) {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

func (f fields) num(key string) (int, bool) {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
		return 0, false
	}
	return int(v), true
}

func (f fields) when(key string) (time.Time, bool) {
	v, ok := f.str(key)
	if !ok || v == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || parsed.IsZero() {
		return time.Time{}, false
	}
	return parsed, true
}

func (f fields) object(key string) (fields, error) {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		return nil, errors.New("data is required")
	}
	var out fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("data must be an object")
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeErr(frame []byte, reason string, err error) *schema.DecodeError {
	return &schema.DecodeError{
		Frame:  append([]byte(nil), frame...),
		Reason: reason,
		Err:    err,
	}
}

func quote(v string) string {
	if len(v) > 64 {
		v = v[:64]
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// Preview returns at most max bytes of a frame for logging.
func Preview(frame []byte, max int) string {
	text := strings.TrimSpace(string(frame))
	if max <= 0 || len(text) <= max {
		return text
	}
	return text[:max]
}
