package httpapi

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"pkt.systems/sandboxwatch/internal/logx"
	"pkt.systems/sandboxwatch/schema"
)

type scriptedCommand struct {
	command  string
	stdout   string
	stderr   string
	exitCode int
	file     string
}

var defaultScript = []scriptedCommand{
	{command: "uname -a", stdout: "Linux sandbox 6.8.0 #1 SMP x86_64 GNU/Linux\n"},
	{command: "apt-get update", stdout: "Reading package lists... Done\n"},
	{command: "ls /srv/app", stdout: "main.go\ngo.mod\nREADME.md\n"},
	{command: "cat /etc/missing.conf", stderr: "cat: /etc/missing.conf: No such file or directory\n", exitCode: 1},
	{command: "echo ready > /tmp/ready", file: "/tmp/ready"},
	{command: "systemctl status nginx", stdout: "active (running)\n"},
}

// Recorder accepts simulated commands.
type Recorder interface {
	RecordCommand(ctx context.Context, sandboxID schema.SandboxID, record schema.CommandRecord) error
	PublishFileChange(sandboxID schema.SandboxID, path, operation string) error
}

// Simulator plays a sandbox executing commands: each tick either starts a
// new command or completes the running one.
type Simulator struct {
	recorder  Recorder
	sandboxID schema.SandboxID
	interval  time.Duration
	script    []scriptedCommand
	rng       *rand.Rand

	step    int
	running *schema.CommandRecord
	current scriptedCommand
}

// NewSimulator constructs a simulator ticking at interval.
func NewSimulator(recorder Recorder, sandboxID schema.SandboxID, interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Simulator{
		recorder:  recorder,
		sandboxID: sandboxID,
		interval:  interval,
		script:    defaultScript,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// Run ticks until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	log := logx.WithSandbox(ctx, s.sandboxID)
	log.Info("simulator started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("simulator stopped", "steps", s.step)
			return nil
		case now := <-ticker.C:
			if err := s.Step(ctx, now.UTC()); err != nil {
				return err
			}
		}
	}
}

// Step advances the simulation once.
func (s *Simulator) Step(ctx context.Context, now time.Time) error {
	s.step++
	if s.running == nil {
		s.current = s.script[s.rng.IntN(len(s.script))]
		record := schema.CommandRecord{
			ID:        schema.CommandID(uuid.NewString()),
			Command:   s.current.command,
			StartedAt: now,
		}
		s.running = &record
		return s.recorder.RecordCommand(ctx, s.sandboxID, record)
	}
	record := *s.running
	s.running = nil
	if s.current.stdout != "" {
		record.Stdout = schema.StringPtr(s.current.stdout)
	}
	if s.current.stderr != "" {
		record.Stderr = schema.StringPtr(s.current.stderr)
	}
	record.ExitCode = schema.IntPtr(s.current.exitCode)
	record.EndedAt = schema.TimePtr(now)
	if err := s.recorder.RecordCommand(ctx, s.sandboxID, record); err != nil {
		return fmt.Errorf("complete command %s: %w", record.ID, err)
	}
	if s.current.file != "" {
		return s.recorder.PublishFileChange(s.sandboxID, s.current.file, "modified")
	}
	return nil
}
