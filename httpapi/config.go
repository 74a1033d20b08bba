package httpapi

import "time"

// Config defines the mock sandbox API settings.
type Config struct {
	Addr string
	// HeartbeatInterval is the stream heartbeat cadence.
	HeartbeatInterval time.Duration
	// HistoryLimit caps command_history replay on connect. Zero replays all.
	HistoryLimit int
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}
