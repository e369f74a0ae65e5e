package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Server settings.
	ListenAddr string `env:"CHATSYNC_LISTEN_ADDR" envDefault:":8750"`

	// DataDir is where the server keeps its message log database.
	// Defaults to ~/.chatsync/ when empty.
	DataDir string `env:"CHATSYNC_DATA_DIR"`

	// AuthTokenHashes is a comma-separated list of bcrypt hashes of the
	// bearer tokens accepted during the handshake. Raw tokens are never
	// configured server-side.
	AuthTokenHashes string `env:"CHATSYNC_AUTH_TOKENS"`

	// SendRatePerSec and SendBurst bound message.send frames per
	// connection on the server.
	SendRatePerSec float64 `env:"CHATSYNC_SEND_RATE" envDefault:"5"`
	SendBurst      int     `env:"CHATSYNC_SEND_BURST" envDefault:"10"`

	// Client settings.
	ServerURL string `env:"CHATSYNC_SERVER_URL"`
	AuthToken string `env:"CHATSYNC_AUTH_TOKEN"`

	// TunablesFile optionally points at a YAML file overriding protocol
	// timing constants. The defaults are safe; the file exists because
	// the reconnect and backfill schedules are deployment-tunable, not
	// protocol invariants.
	TunablesFile string `env:"SYNC_TUNABLES_FILE"`

	Tunables Tunables `env:"-"`
}

// Tunables are the protocol timing constants. Zero values in the YAML
// file keep the default.
type Tunables struct {
	// ReconnectDelay is the flat delay between reconnection attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// HandshakeTimeout bounds how long a caller waits on session
	// readiness before the attempt is abandoned.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// AckTimeout bounds how long a send waits for its message.ack.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// BackfillAttempts is the total number of tries for one backfill
	// page, including the first.
	BackfillAttempts int `yaml:"backfill_attempts"`

	// BackfillBackoff is the linear backoff unit between backfill
	// retries: attempt n waits n * BackfillBackoff.
	BackfillBackoff time.Duration `yaml:"backfill_backoff"`

	// BackfillPageSize is the page limit sent to the backfill endpoint.
	BackfillPageSize int `yaml:"backfill_page_size"`

	// PingAfter and DisconnectAfter drive the keepalive: ping when the
	// connection has been idle past PingAfter, declare it dead past
	// DisconnectAfter.
	PingAfter       time.Duration `yaml:"ping_after"`
	DisconnectAfter time.Duration `yaml:"disconnect_after"`
}

// DefaultTunables returns the stock protocol timing constants.
func DefaultTunables() Tunables {
	return Tunables{
		ReconnectDelay:   2 * time.Second,
		HandshakeTimeout: 8 * time.Second,
		AckTimeout:       10 * time.Second,
		BackfillAttempts: 3,
		BackfillBackoff:  400 * time.Millisecond,
		BackfillPageSize: 100,
		PingAfter:        20 * time.Second,
		DisconnectAfter:  60 * time.Second,
	}
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

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars, then applies the
// tunables file if configured.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Tunables = DefaultTunables()

	if cfg.TunablesFile != "" {
		if err := cfg.loadTunables(cfg.TunablesFile); err != nil {
			return nil, fmt.Errorf("loading tunables: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".chatsync")
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadTunables overlays non-zero values from a YAML file onto the
// defaults already present in cfg.Tunables.
func (c *Config) loadTunables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var overlay Tunables
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	c.Tunables.merge(overlay)

	return nil
}

func (t *Tunables) merge(o Tunables) {
	if o.ReconnectDelay > 0 {
		t.ReconnectDelay = o.ReconnectDelay
	}

	if o.HandshakeTimeout > 0 {
		t.HandshakeTimeout = o.HandshakeTimeout
	}

	if o.AckTimeout > 0 {
		t.AckTimeout = o.AckTimeout
	}

	if o.BackfillAttempts > 0 {
		t.BackfillAttempts = o.BackfillAttempts
	}

	if o.BackfillBackoff > 0 {
		t.BackfillBackoff = o.BackfillBackoff
	}

	if o.BackfillPageSize > 0 {
		t.BackfillPageSize = o.BackfillPageSize
	}

	if o.PingAfter > 0 {
		t.PingAfter = o.PingAfter
	}

	if o.DisconnectAfter > 0 {
		t.DisconnectAfter = o.DisconnectAfter
	}
}

func (c *Config) validate() error {
	if c.SendRatePerSec <= 0 {
		return fmt.Errorf("CHATSYNC_SEND_RATE must be positive")
	}

	if c.SendBurst <= 0 {
		return fmt.Errorf("CHATSYNC_SEND_BURST must be positive")
	}

	if _, err := c.ParseAuthTokenHashes(); err != nil {
		return err
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseAuthTokenHashes parses CHATSYNC_AUTH_TOKENS into individual bcrypt
// hashes. An empty setting is allowed and means the server accepts no
// tokens (useful for tests that register hashes programmatically).
func (c *Config) ParseAuthTokenHashes() ([]string, error) {
	if c.AuthTokenHashes == "" {
		return nil, nil
	}

	var hashes []string

	for i, h := range strings.Split(c.AuthTokenHashes, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}

		if !strings.HasPrefix(h, "$2") {
			return nil, fmt.Errorf("entry %d in CHATSYNC_AUTH_TOKENS is not a bcrypt hash", i+1)
		}

		hashes = append(hashes, h)
	}

	return hashes, nil
}
