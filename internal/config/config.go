package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    Server    `json:"server"`
	Reconnect Reconnect `json:"reconnect"`
	Channel   Channel   `json:"channel"`
	Media     Media     `json:"media"`
}

type Server struct {
	// SocketURL is the ws:// or wss:// endpoint of the messaging transport.
	SocketURL string `json:"socket_url"`
}

// Reconnect controls the channel's automatic reconnect policy.
// MaxAttempts 0 means retry forever.
type Reconnect struct {
	MaxAttempts    int `json:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
}

type Channel struct {
	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	// AckTimeoutSec is how long a sent message stays pending before it is
	// marked failed when no delivery ack arrives.
	AckTimeoutSec  int `json:"ack_timeout_sec"`
	TypingExpiryMs int `json:"typing_expiry_ms"`
	// DiagCapacity caps the connection diagnostic log (ring buffer entries).
	DiagCapacity int `json:"diag_capacity"`
	// HistoryCapacity caps the in-memory message sequence kept per room.
	HistoryCapacity int `json:"history_capacity"`
}

type Media struct {
	// ICEServers is STUN-only. No TURN fallback — peers behind restrictive
	// NATs can fail to connect; inherited limitation.
	ICEServers    []string `json:"ice_servers"`
	PreferredCam  string   `json:"preferred_cam"`
	PreferredMic  string   `json:"preferred_mic"`
	VideoDisabled bool     `json:"video_disabled"`
}

func Default() Config {
	return Config{
		Server: Server{
			SocketURL: "wss://localhost:8443/socket",
		},
		Reconnect: Reconnect{
			MaxAttempts:    0,
			InitialDelayMs: 1000,
			MaxDelayMs:     5000,
		},
		Channel: Channel{
			ConnectTimeoutSec: 20,
			AckTimeoutSec:     10,
			TypingExpiryMs:    3000,
			DiagCapacity:      200,
			HistoryCapacity:   500,
		},
		Media: Media{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	// Server
	u := strings.TrimSpace(c.Server.SocketURL)
	if u == "" {
		return errors.New("server.socket_url is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("server.socket_url: %v", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return errors.New("server.socket_url scheme must be ws or wss")
	}
	if parsed.Host == "" {
		return errors.New("server.socket_url is missing a host")
	}

	// Reconnect
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0 (0 = unbounded)")
	}
	if c.Reconnect.InitialDelayMs <= 0 {
		return errors.New("reconnect.initial_delay_ms must be > 0")
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.InitialDelayMs {
		return errors.New("reconnect.max_delay_ms must be >= reconnect.initial_delay_ms")
	}

	// Channel
	if c.Channel.ConnectTimeoutSec <= 0 {
		return errors.New("channel.connect_timeout_sec must be > 0")
	}
	if c.Channel.AckTimeoutSec <= 0 {
		return errors.New("channel.ack_timeout_sec must be > 0")
	}
	if c.Channel.TypingExpiryMs <= 0 {
		return errors.New("channel.typing_expiry_ms must be > 0")
	}
	if c.Channel.DiagCapacity <= 0 {
		return errors.New("channel.diag_capacity must be > 0")
	}
	if c.Channel.HistoryCapacity <= 0 {
		return errors.New("channel.history_capacity must be > 0")
	}

	// Media
	if len(c.Media.ICEServers) == 0 {
		return errors.New("media.ice_servers must not be empty")
	}
	for _, s := range c.Media.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("media.ice_servers: %q is not a STUN url", s)
		}
	}

	return nil
}

// Durations derived from the numeric fields, for callers that want time.Duration.

func (r Reconnect) InitialDelay() time.Duration { return time.Duration(r.InitialDelayMs) * time.Millisecond }
func (r Reconnect) MaxDelay() time.Duration     { return time.Duration(r.MaxDelayMs) * time.Millisecond }
func (c Channel) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutSec) * time.Second }
func (c Channel) AckTimeout() time.Duration     { return time.Duration(c.AckTimeoutSec) * time.Second }
func (c Channel) TypingExpiry() time.Duration   { return time.Duration(c.TypingExpiryMs) * time.Millisecond }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
