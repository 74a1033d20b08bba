package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/schema"
)

type contextKey int

const (
	sandboxKey contextKey = iota
)

// WithSandbox annotates the logger with the sandbox id if present.
func WithSandbox(ctx context.Context, sandboxID schema.SandboxID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sandboxID != "" {
		if current, ok := ctx.Value(sandboxKey).(schema.SandboxID); ok && current == sandboxID {
			return log
		}
		log = log.With("sandbox", sandboxID)
	}
	return log
}

// WithGeneration annotates the logger with a session generation.
func WithGeneration(log pslog.Logger, generation uint64) pslog.Logger {
	if generation != 0 {
		log = log.With("gen", generation)
	}
	return log
}

// WithCommand annotates the logger with a command id when available.
func WithCommand(log pslog.Logger, commandID schema.CommandID) pslog.Logger {
	if commandID != "" {
		log = log.With("command", commandID)
	}
	return log
}

// ContextWithSandbox stores the sandbox marker on the context for log de-duplication.
func ContextWithSandbox(ctx context.Context, sandboxID schema.SandboxID) context.Context {
	if ctx == nil || sandboxID == "" {
		return ctx
	}
	return context.WithValue(ctx, sandboxKey, sandboxID)
}

// ContextWithSandboxLogger attaches the logger and sandbox marker to the context.
func ContextWithSandboxLogger(ctx context.Context, log pslog.Logger, sandboxID schema.SandboxID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSandbox(ctx, sandboxID)
}
