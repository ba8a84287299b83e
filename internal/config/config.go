package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Chat endpoint and identity. All three are required.
	Endpoint string `env:"CHAT_ENDPOINT"`
	GroupID  string `env:"CHAT_GROUP_ID"`
	UserID   string `env:"CHAT_USER_ID"`

	// Reconciliation tuning.
	EchoWindow time.Duration `env:"CHAT_ECHO_WINDOW" envDefault:"30s"`
	// AckTimeout reverts mutations the server never answers. Zero disables it.
	AckTimeout time.Duration `env:"CHAT_ACK_TIMEOUT" envDefault:"1m"`

	// Reconnect policy. MaxReconnectAttempts of zero retries forever.
	ReconnectMin         time.Duration `env:"CHAT_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax         time.Duration `env:"CHAT_RECONNECT_MAX" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"CHAT_MAX_RECONNECT_ATTEMPTS" envDefault:"0"`
	HeartbeatInterval    time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Outbound pacing in commands per second. Zero disables pacing.
	SendRate  float64 `env:"CHAT_SEND_RATE" envDefault:"5"`
	SendBurst int     `env:"CHAT_SEND_BURST" envDefault:"10"`

	// Front ends. At least one must be enabled.
	EnableTerminal bool `env:"ENABLE_TERMINAL" envDefault:"true"`
	EnableMCP      bool `env:"ENABLE_MCP" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCP server settings (required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("CHAT_ENDPOINT is required")
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("CHAT_ENDPOINT must be a ws:// or wss:// URL, got %q", c.Endpoint)
	}

	if c.GroupID == "" {
		return errors.New("CHAT_GROUP_ID is required")
	}

	if c.UserID == "" {
		return errors.New("CHAT_USER_ID is required")
	}

	if c.EchoWindow <= 0 {
		return errors.New("CHAT_ECHO_WINDOW must be positive")
	}

	if c.AckTimeout < 0 {
		return errors.New("CHAT_ACK_TIMEOUT must not be negative")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("CHAT_RECONNECT_MIN (%s) must be positive and not above CHAT_RECONNECT_MAX (%s)",
			c.ReconnectMin, c.ReconnectMax)
	}

	if c.MaxReconnectAttempts < 0 {
		return errors.New("CHAT_MAX_RECONNECT_ATTEMPTS must not be negative")
	}

	if c.SendRate < 0 {
		return errors.New("CHAT_SEND_RATE must not be negative")
	}

	if !c.EnableTerminal && !c.EnableMCP {
		return errors.New("at least one of ENABLE_TERMINAL or ENABLE_MCP must be true")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return errors.New("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a user identity and the bcrypt hash of its API key,
// parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Hash   string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:$2a$10$...,user2:$2a$10$..."
// Only the first colon separates user from hash.
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		userID, hash, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key hash for %q is not a bcrypt hash in entry %d", userID, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Hash: hash})
	}

	return entries, nil
}
