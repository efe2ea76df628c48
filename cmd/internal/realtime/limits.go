package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// A subscribe request may name at most this many chats.
	maxSubscribeChats = 100

	defaultSendQueue = 256
	minSendQueue     = 32

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection inbound event budget.
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config tunes a Gateway. Zero fields take defaults.
type Config struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables the websocket library's own origin verification.
	DevInsecure bool

	SendQueueSize int
	WriteTimeout  time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig is secure by default: Origin is required and only localhost
// origins are allowed.
func DefaultConfig() Config {
	return Config{
		OriginRequired: true,
		AllowedOrigins: splitCSV(defaultAllowedOrigins),
	}
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueue
	}
	if c.SendQueueSize < minSendQueue {
		c.SendQueueSize = minSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}
