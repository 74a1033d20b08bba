package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/internal/clock"
	"pkt.systems/sandboxwatch/internal/codec"
	"pkt.systems/sandboxwatch/internal/connstate"
	"pkt.systems/sandboxwatch/internal/ledger"
	"pkt.systems/sandboxwatch/internal/logx"
	"pkt.systems/sandboxwatch/internal/transport"
	"pkt.systems/sandboxwatch/schema"
)

const framePreviewBytes = 120

// Subscription is the live view of one sandbox stream.
//
// All mutation happens under mu. Every session and timer callback carries
// the generation that was current when it was created and is dropped when
// the generation has moved on.
type Subscription struct {
	id     schema.SandboxID
	url    string
	ctx    context.Context
	client *Client
	log    pslog.Logger
	done   chan struct{}
	stop   func() bool

	machine *connstate.Machine
	ledger  *ledger.Ledger

	mu            sync.Mutex
	generation    uint64
	session       transport.Session
	retry         clock.Timer
	watchdog      clock.Timer
	watchdogSeq   uint64
	notFound      bool
	attempt       int
	info          schema.ConnectionInfo
	hasInfo       bool
	lastHeartbeat time.Time
	lastErr       error
	err           error
	disposed      bool
}

func newSubscription(ctx context.Context, c *Client, id schema.SandboxID, url string, log pslog.Logger) *Subscription {
	s := &Subscription{
		id:      id,
		url:     url,
		ctx:     ctx,
		client:  c,
		log:     log,
		done:    make(chan struct{}),
		machine: connstate.New(),
		ledger:  ledger.New(),
	}
	s.machine.Observe(func(tr connstate.Transition) {
		s.log.Debug("stream state", "from", tr.From.String(), "to", tr.To.String(), "trigger", string(tr.Trigger))
		c.sink.OnStateChange(s.id, tr.From, tr.To)
	})
	return s
}

func (s *Subscription) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("stream subscribe", "url", s.url)
	if _, err := s.machine.Open(); err != nil {
		s.log.Error("stream open rejected", "err", err)
		return
	}
	s.connectLocked()
	s.stop = context.AfterFunc(s.ctx, s.Dispose)
}

// SandboxID returns the subscribed sandbox.
func (s *Subscription) SandboxID() schema.SandboxID { return s.id }

// State returns the connection state.
func (s *Subscription) State() schema.ConnectionState { return s.machine.State() }

// Info returns the sandbox announced by the latest connected event.
func (s *Subscription) Info() (schema.ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.hasInfo
}

// Ledger returns a read-only view of the ordered commands.
func (s *Subscription) Ledger() ledger.View { return s.ledger }

// Seed inserts snapshot records not yet known and returns how many were
// added. It is a no-op after Dispose.
func (s *Subscription) Seed(records []schema.CommandRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}
	added := s.ledger.Seed(records)
	s.log.Debug("stream seeded", "records", len(records), "added", added)
	return added
}

// LastHeartbeat returns the local receipt time of the latest heartbeat.
func (s *Subscription) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Err returns the terminal error once the subscription is Closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription reaches Closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dispose closes the subscription. It is idempotent and takes effect
// immediately: no timer or session callback mutates state afterwards.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.generation++
	s.stopTimersLocked()
	s.closeSessionLocked()
	s.machine.Close()
	if s.err == nil {
		s.err = schema.ErrSubscriptionClosed
		close(s.done)
	}
	s.log.Info("stream disposed", "commands", s.ledger.Len())
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.client.forget(s)
}

func (s *Subscription) connectLocked() {
	s.closeSessionLocked()
	s.notFound = false
	s.generation++
	gen := s.generation
	logx.WithGeneration(s.log, gen).Debug("stream dial", "attempt", s.attempt)
	s.session = s.client.dialer.Open(s.ctx, s.url, &sessionHandler{sub: s, gen: gen})
}

func (s *Subscription) closeSessionLocked() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.log.Debug("stream session close", "err", err)
	}
	s.session = nil
}

func (s *Subscription) stopTimersLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.stopWatchdogLocked()
}

// stopWatchdogLocked also invalidates a watchdog callback that already
// fired and is waiting for mu.
func (s *Subscription) stopWatchdogLocked() {
	s.watchdogSeq++
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Subscription) staleLocked(gen uint64, what string) bool {
	if !s.disposed && gen == s.generation {
		return false
	}
	logx.WithGeneration(s.log, gen).Trace("stream callback dropped", "callback", what, "current", s.generation, "err", schema.ErrStaleCallback)
	return true
}

func (s *Subscription) armWatchdogLocked(gen uint64) {
	if s.client.live <= 0 {
		return
	}
	s.stopWatchdogLocked()
	seq := s.watchdogSeq
	s.watchdog = s.client.clock.AfterFunc(s.client.live, func() { s.onLiveness(gen, seq) })
}

func (s *Subscription) onOpen(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, "open") {
		return
	}
	if _, err := s.machine.Opened(); err != nil {
		s.log.Warn("stream open ignored", "err", err)
		return
	}
	logx.WithGeneration(s.log, gen).Info("stream connected", "attempt", s.attempt)
	s.armWatchdogLocked(gen)
}

func (s *Subscription) onFrame(gen uint64, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, "frame") {
		return
	}
	s.armWatchdogLocked(gen)
	event, err := codec.Decode(frame)
	if err != nil {
		logx.WithGeneration(s.log, gen).Warn("stream frame dropped", "err", err, "frame", codec.Preview(frame, framePreviewBytes))
		s.client.sink.OnError(s.id, err)
		return
	}
	if meta := event.Meta(); meta.SandboxID != "" && meta.SandboxID != s.id {
		s.log.Warn("stream event for other sandbox dropped", "type", string(meta.Type), "event_sandbox", meta.SandboxID)
		return
	}
	s.dispatchLocked(event)
}

func (s *Subscription) dispatchLocked(event schema.StreamEvent) {
	switch ev := event.(type) {
	case schema.ConnectedEvent:
		s.info = ev.Info
		s.hasInfo = true
		s.attempt = 0
		s.log.Info("stream handshake", "name", ev.Info.SandboxName, "state", string(ev.Info.State), "ip", ev.Info.IPAddress)
		s.client.sink.OnConnected(s.id, ev.Info)
	case schema.CommandHistoryEvent:
		s.mergeLocked(ev.Record, "history")
	case schema.CommandUpdateEvent:
		s.mergeLocked(ev.Record, "update")
	case schema.HeartbeatEvent:
		s.lastHeartbeat = s.client.clock.Now()
		s.log.Trace("stream heartbeat")
	case schema.FileChangeEvent:
		s.log.Debug("stream file change", "bytes", len(ev.Payload))
		s.client.sink.OnFileChange(s.id, ev)
	}
}

func (s *Subscription) mergeLocked(record schema.CommandRecord, source string) {
	merged, changed := s.ledger.Merge(record)
	log := logx.WithCommand(s.log, record.ID)
	if !changed {
		log.Trace("stream command unchanged", "source", source)
		return
	}
	log.Debug("stream command merged", "source", source, "running", merged.Running())
	s.client.sink.OnCommand(s.id, merged)
}

func (s *Subscription) onError(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, "error") {
		return
	}
	terr := &schema.TransportError{Generation: gen, Err: err}
	s.lastErr = terr
	if transport.IsNotFound(err) {
		s.notFound = true
	}
	logx.WithGeneration(s.log, gen).Warn("stream transport error", "err", err)
	s.client.sink.OnError(s.id, terr)
}

func (s *Subscription) onClose(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, "close") {
		return
	}
	s.session = nil
	logx.WithGeneration(s.log, gen).Info("stream session closed")
	s.failLocked()
}

func (s *Subscription) onLiveness(gen, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, "liveness") {
		return
	}
	if seq != s.watchdogSeq {
		logx.WithGeneration(s.log, gen).Trace("stream callback dropped", "callback", "liveness", "err", schema.ErrStaleCallback)
		return
	}
	s.watchdog = nil
	terr := &schema.TransportError{Generation: gen, Err: schema.ErrLivenessTimeout}
	s.lastErr = terr
	logx.WithGeneration(s.log, gen).Warn("stream silent, dropping session", "timeout", s.client.live)
	s.client.sink.OnError(s.id, terr)
	// Invalidate the dropped session before closing it so its OnClose is stale.
	s.generation++
	s.closeSessionLocked()
	s.failLocked()
}

// failLocked handles the end of the current session: schedule a reconnect,
// or close for good when the sandbox is unknown or the policy refuses.
func (s *Subscription) failLocked() {
	s.stopWatchdogLocked()
	if s.notFound {
		s.terminateLocked(fmt.Errorf("%w: %w", schema.ErrSandboxNotFound, s.lastErr))
		return
	}
	delay, ok := s.client.policy.NextDelay(s.attempt)
	if !ok {
		s.terminateLocked(s.exhaustedErrorLocked())
		return
	}
	if _, err := s.machine.Fail(true); err != nil {
		s.log.Warn("stream fail ignored", "err", err)
		return
	}
	s.attempt++
	gen := s.generation
	s.log.Info("stream reconnect scheduled", "delay", delay, "attempt", s.attempt)
	s.retry = s.client.clock.AfterFunc(delay, func() { s.onRetry(gen) })
}

// terminateLocked closes the subscription with a terminal error. The ledger
// is retained.
func (s *Subscription) terminateLocked(err error) {
	if _, ferr := s.machine.Fail(false); ferr != nil {
		s.log.Warn("stream fail ignored", "err", ferr)
		return
	}
	s.generation++
	s.err = err
	s.log.Error("stream closed", "attempts", s.attempt, "err", err)
	s.client.sink.OnError(s.id, err)
	close(s.done)
	if s.stop != nil {
		s.stop()
	}
	s.client.forget(s)
}

func (s *Subscription) exhaustedErrorLocked() error {
	if s.lastErr == nil {
		return fmt.Errorf("%w after %d attempts", schema.ErrPolicyExhausted, s.attempt)
	}
	return fmt.Errorf("%w after %d attempts: %w", schema.ErrPolicyExhausted, s.attempt, s.lastErr)
}

func (s *Subscription) onRetry(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked(gen, "retry") {
		return
	}
	s.retry = nil
	if _, err := s.machine.TimerFired(); err != nil {
		if !errors.Is(err, connstate.ErrTerminal) {
			s.log.Warn("stream retry ignored", "err", err)
		}
		return
	}
	s.connectLocked()
}

type sessionHandler struct {
	sub *Subscription
	gen uint64
}

func (h *sessionHandler) OnOpen()              { h.sub.onOpen(h.gen) }
func (h *sessionHandler) OnFrame(frame []byte) { h.sub.onFrame(h.gen, frame) }
func (h *sessionHandler) OnError(err error)    { h.sub.onError(h.gen, err) }
func (h *sessionHandler) OnClose()             { h.sub.onClose(h.gen) }
