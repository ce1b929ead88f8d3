package realtime

import "time"

// Config is the gateway policy, loaded from TANDEM_WS_*.
type Config struct {
	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure bool `env:"DEV_INSECURE" envDefault:"false"`

	OriginRequired bool     `env:"ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`

	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueue       int           `env:"SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"RATE_EVENTS" envDefault:"240"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"10s"`

	MaxEvents int `env:"MAX_EVENTS" envDefault:"16"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueue:         wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		MaxEvents:         maxJoinedEvents,
	}
}

// normalized replaces unusable values with defaults.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueue < wsMinSendQueueSize {
		c.SendQueue = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	return c
}
