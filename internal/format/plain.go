package format

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/sandboxwatch/internal/eventbus"
	"pkt.systems/sandboxwatch/schema"
)

const (
	// CommandMarker prefixes command lines.
	CommandMarker = "$ "
	// OutputMarker prefixes captured stdout lines.
	OutputMarker = "  "
	// StderrMarker prefixes captured stderr lines.
	StderrMarker = "! "
)

// PlainRenderer formats stream events as plain text lines.
type PlainRenderer struct {
	// TimeLayout formats command start times. Empty hides them.
	TimeLayout string
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{TimeLayout: time.TimeOnly}
}

// FormatEvent converts a bus event into user-facing lines.
func (p *PlainRenderer) FormatEvent(event eventbus.Event) []string {
	switch event.Type {
	case eventbus.EventState:
		return []string{fmt.Sprintf("stream %s", strings.ToLower(event.To.String()))}
	case eventbus.EventConnected:
		return []string{FormatConnection(event.Info)}
	case eventbus.EventCommand:
		return p.FormatCommand(event.Command)
	case eventbus.EventFileChange:
		return []string{formatFileChange(event.FileChange)}
	case eventbus.EventError:
		return []string{formatError(event.Err)}
	default:
		return nil
	}
}

// FormatCommand renders a command record with its captured output.
func (p *PlainRenderer) FormatCommand(record schema.CommandRecord) []string {
	header := CommandMarker + record.Command
	if p.TimeLayout != "" && !record.StartedAt.IsZero() {
		header = fmt.Sprintf("[%s] %s", record.StartedAt.Local().Format(p.TimeLayout), header)
	}
	lines := []string{header}
	if record.Stdout != nil {
		lines = append(lines, markLines(OutputMarker, splitLines(*record.Stdout))...)
	}
	if record.Stderr != nil {
		lines = append(lines, markLines(StderrMarker, splitLines(*record.Stderr))...)
	}
	lines = append(lines, formatStatus(record))
	return lines
}

// FormatLedger renders every record in order.
func (p *PlainRenderer) FormatLedger(records []schema.CommandRecord) []string {
	lines := make([]string, 0, len(records)*2)
	for _, record := range records {
		lines = append(lines, p.FormatCommand(record)...)
	}
	return lines
}

// FormatConnection renders the handshake summary.
func FormatConnection(info schema.ConnectionInfo) string {
	name := info.SandboxName
	if name == "" {
		name = string(info.SandboxID)
	}
	line := fmt.Sprintf("sandbox %s (%s)", name, stateLabel(info.State))
	if info.IPAddress != "" {
		line += " at " + info.IPAddress
	}
	return line
}

func formatStatus(record schema.CommandRecord) string {
	if record.Running() {
		return "running"
	}
	status := "done"
	if record.ExitCode != nil {
		status = fmt.Sprintf("exit code: %d", *record.ExitCode)
	}
	if d, ok := record.Duration(); ok {
		status += fmt.Sprintf(" (%s)", d.Round(time.Millisecond))
	}
	return status
}

func formatFileChange(event schema.FileChangeEvent) string {
	if len(event.Payload) == 0 {
		return "file change"
	}
	return "file change: " + string(event.Payload)
}

func formatError(err error) string {
	switch {
	case err == nil:
		return "error: unknown"
	case errors.Is(err, schema.ErrDecode):
		return "warning: " + err.Error()
	default:
		return "error: " + err.Error()
	}
}

func stateLabel(state schema.SandboxState) string {
	if state == "" {
		return "UNKNOWN"
	}
	return string(state)
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
