package api

import "time"

// Config controls request limits and the websocket stream policy.
type Config struct {
	MaxBodyBytes    int64
	MaxMessageChars int

	// Origin policy for websocket upgrades.
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// Inbound frames per window on a stream; streams are server -> client.
	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns secure defaults (localhost origins only).
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:     1 << 20,
		MaxMessageChars:  4096,
		OriginRequired:   false,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     5 * time.Second,
		HeartbeatEvery:   25 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
		RateEvents:       30,
		RateWindow:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
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
	return c
}
