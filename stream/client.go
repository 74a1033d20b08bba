// Package stream keeps a live, ordered view of the commands executed in a
// sandbox. A Subscription reconciles a one-shot snapshot (Seed) with the
// sandbox event stream, reconnecting through a reconnect.Policy whenever the
// transport drops.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/internal/clock"
	"pkt.systems/sandboxwatch/internal/logx"
	"pkt.systems/sandboxwatch/internal/reconnect"
	"pkt.systems/sandboxwatch/internal/transport"
	"pkt.systems/sandboxwatch/schema"
)

// Config wires a Client. Only BaseURL is required.
type Config struct {
	// BaseURL is the sandbox API root, e.g. http://localhost:8080.
	BaseURL string
	Dialer  transport.Dialer
	Policy  reconnect.Policy
	Clock   clock.Clock
	Sink    EventSink
	// LivenessTimeout drops an open session that delivered no frame for
	// this long. Zero disables the watchdog.
	LivenessTimeout time.Duration
	Logger          pslog.Logger
}

// Client creates subscriptions against one sandbox API.
type Client struct {
	base   *url.URL
	dialer transport.Dialer
	policy reconnect.Policy
	clock  clock.Clock
	sink   EventSink
	live   time.Duration
	log    pslog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewClient validates cfg and fills in defaults.
func NewClient(cfg Config) (*Client, error) {
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.LivenessTimeout < 0 {
		return nil, fmt.Errorf("liveness timeout must be >= 0")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWebsocketDialer(transport.Config{})
	}
	if cfg.Policy == nil {
		cfg.Policy = reconnect.DefaultExponential()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	return &Client{
		base:   base,
		dialer: cfg.Dialer,
		policy: cfg.Policy,
		clock:  cfg.Clock,
		sink:   cfg.Sink,
		live:   cfg.LivenessTimeout,
		log:    cfg.Logger,
		subs:   make(map[*Subscription]struct{}),
	}, nil
}

// Subscribe starts streaming events for the sandbox. The subscription is
// disposed when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, sandboxID schema.SandboxID) (*Subscription, error) {
	if err := schema.ValidateSandboxID(sandboxID); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.log != nil {
		ctx = pslog.ContextWithLogger(ctx, c.log)
	}
	log := logx.WithSandbox(ctx, sandboxID)
	ctx = logx.ContextWithSandboxLogger(ctx, log, sandboxID)

	sub := newSubscription(ctx, c, sandboxID, streamURL(c.base, sandboxID), log)
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	sub.start()
	return sub, nil
}

// Close disposes every live subscription.
func (c *Client) Close() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Dispose()
	}
}

func (c *Client) forget(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// StreamURL returns the websocket endpoint of a sandbox stream.
func StreamURL(baseURL string, sandboxID schema.SandboxID) (string, error) {
	if err := schema.ValidateSandboxID(sandboxID); err != nil {
		return "", err
	}
	base, err := parseBase(baseURL)
	if err != nil {
		return "", err
	}
	return streamURL(base, sandboxID), nil
}

func streamURL(base *url.URL, sandboxID schema.SandboxID) string {
	u := *base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.JoinPath("v1", "sandboxes", string(sandboxID), "stream").String()
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return nil, errors.New("base url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}
