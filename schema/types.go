package schema

import "time"

// SandboxID identifies a remote sandbox.
type SandboxID string

// CommandID identifies a command executed inside a sandbox.
type CommandID string

// SandboxState is the lifecycle state reported by the sandbox API.
type SandboxState string

const (
	// SandboxCreated indicates the sandbox exists but has not booted.
	SandboxCreated SandboxState = "CREATED"
	// SandboxStarting indicates the sandbox VM is booting.
	SandboxStarting SandboxState = "STARTING"
	// SandboxRunning indicates the sandbox accepts commands.
	SandboxRunning SandboxState = "RUNNING"
	// SandboxStopped indicates the sandbox VM is shut off.
	SandboxStopped SandboxState = "STOPPED"
	// SandboxError indicates the sandbox failed.
	SandboxError SandboxState = "ERROR"
	// SandboxDestroyed indicates the sandbox has been torn down.
	SandboxDestroyed SandboxState = "DESTROYED"
)

// CommandRecord is one command executed inside a sandbox.
//
// Optional fields are nil while unknown. Records handed out by the ledger are
// shared snapshots; callers must not modify the pointed-to values.
type CommandRecord struct {
	ID        CommandID
	Command   string
	Stdout    *string
	Stderr    *string
	ExitCode  *int
	StartedAt time.Time
	EndedAt   *time.Time
}

// Running reports whether the command has not completed yet.
func (r CommandRecord) Running() bool {
	return r.EndedAt == nil
}

// Duration returns the elapsed time for completed commands.
func (r CommandRecord) Duration() (time.Duration, bool) {
	if r.EndedAt == nil || r.StartedAt.IsZero() {
		return 0, false
	}
	return r.EndedAt.Sub(r.StartedAt), true
}

// ConnectionInfo describes the sandbox announced at stream handshake.
type ConnectionInfo struct {
	SandboxID   SandboxID
	SandboxName string
	State       SandboxState
	IPAddress   string
}

// ConnectionState is the lifecycle state of a stream subscription.
type ConnectionState int32

const (
	// StateDisconnected is the initial state before the first open.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a transport session is being opened.
	StateConnecting
	// StateConnected means a transport session is open.
	StateConnected
	// StateReconnecting means a reconnect timer is pending.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to v.
func TimePtr(v time.Time) *time.Time { return &v }
