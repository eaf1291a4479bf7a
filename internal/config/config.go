// Package config loads the overlay configuration from built-in defaults, an
// optional TOML file and PARTYOVERLAY_* environment variables, in that order.
// Environment keys follow the struct path, e.g. PARTYOVERLAY_ENGINE_SETTLE_DELAY.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"partyoverlay/internal/engine"
	"partyoverlay/internal/httputil"
	"partyoverlay/internal/preload"
	"partyoverlay/internal/provider"
	"partyoverlay/internal/store"
	"partyoverlay/internal/transport"
)

const EnvPrefix = "PARTYOVERLAY"

// Duration is a time.Duration written as a Go duration string ("300ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Transport TransportConfig `toml:"transport"`
	Provider  ProviderConfig  `toml:"provider"`
	Engine    EngineConfig    `toml:"engine"`
	Media     MediaConfig     `toml:"media"`
	Photos    PhotosConfig    `toml:"photos"`
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
}

type BackendConfig struct {
	URL      string `toml:"url" split_words:"true"`
	APIToken string `toml:"api_token" split_words:"true"`
}

type TransportConfig struct {
	// URL defaults to the backend URL with /ws/player appended.
	URL               string   `toml:"url" split_words:"true"`
	TokenStrategy     string   `toml:"token_strategy" split_words:"true"`
	Token             string   `toml:"token" split_words:"true"`
	QueryKey          string   `toml:"query_key" split_words:"true"`
	Subprotocol       string   `toml:"subprotocol" split_words:"true"`
	PingInterval      Duration `toml:"ping_interval" split_words:"true"`
	KeepaliveInterval Duration `toml:"keepalive_interval" split_words:"true"`
	BackoffInitial    Duration `toml:"backoff_initial" split_words:"true"`
	BackoffMax        Duration `toml:"backoff_max" split_words:"true"`
	BackoffFactor     float64  `toml:"backoff_factor" split_words:"true"`
}

type ProviderConfig struct {
	StaticToken     string   `toml:"static_token" split_words:"true"`
	DeviceName      string   `toml:"device_name" split_words:"true"`
	APIBaseURL      string   `toml:"api_base_url" split_words:"true"`
	LoadTimeout     Duration `toml:"load_timeout" split_words:"true"`
	ReadyTimeout    Duration `toml:"ready_timeout" split_words:"true"`
	ExpiryMargin    Duration `toml:"expiry_margin" split_words:"true"`
	RefreshInterval Duration `toml:"refresh_interval" split_words:"true"`
	PollInterval    Duration `toml:"poll_interval" split_words:"true"`
}

type EngineConfig struct {
	SettleDelay   Duration `toml:"settle_delay" split_words:"true"`
	PreloadWindow int      `toml:"preload_window" split_words:"true"`
	LegacyFrames  string   `toml:"legacy_frames" split_words:"true"`
}

type MediaConfig struct {
	Enabled      bool     `toml:"enabled" split_words:"true"`
	MPVPath      string   `toml:"mpv_path" split_words:"true"`
	IPCPath      string   `toml:"ipc_path" split_words:"true"`
	SpawnProcess bool     `toml:"spawn_process" split_words:"true"`
	StartTimeout Duration `toml:"start_timeout" split_words:"true"`
}

type PhotosConfig struct {
	Enabled   bool     `toml:"enabled" split_words:"true"`
	Interval  Duration `toml:"interval" split_words:"true"`
	BatchSize int      `toml:"batch_size" split_words:"true"`
}

type ServerConfig struct {
	ListenAddr   string `toml:"listen_addr" split_words:"true"`
	ControlToken string `toml:"control_token" split_words:"true"`
	CORSOrigin   string `toml:"cors_origin" split_words:"true"`
}

type StoreConfig struct {
	Path          string `toml:"path" split_words:"true"`
	EncryptionKey string `toml:"encryption_key" split_words:"true"`
	Passphrase    string `toml:"passphrase" split_words:"true"`
	OpsLimit      int    `toml:"ops_limit" split_words:"true"`
}

func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			TokenStrategy:     string(transport.TokenQuery),
			QueryKey:          transport.DefaultTokenQueryKey,
			Subprotocol:       transport.DefaultTokenSubprotocol,
			PingInterval:      Duration(10 * time.Second),
			KeepaliveInterval: Duration(25 * time.Second),
			BackoffInitial:    Duration(transport.DefaultInitialBackoff),
			BackoffMax:        Duration(transport.DefaultMaxBackoff),
			BackoffFactor:     transport.DefaultBackoffFactor,
		},
		Provider: ProviderConfig{
			DeviceName:      provider.DefaultDeviceName,
			LoadTimeout:     Duration(provider.DefaultLoadTimeout),
			ReadyTimeout:    Duration(provider.DefaultReadyTimeout),
			ExpiryMargin:    Duration(provider.DefaultExpiryMargin),
			RefreshInterval: Duration(provider.DefaultRefreshInterval),
			PollInterval:    Duration(provider.DefaultPollInterval),
		},
		Engine: EngineConfig{
			SettleDelay:   Duration(engine.DefaultSettleDelay),
			PreloadWindow: preload.DefaultWindow,
			LegacyFrames:  string(engine.LegacyApply),
		},
		Media: MediaConfig{
			Enabled:      true,
			MPVPath:      "mpv",
			SpawnProcess: true,
			StartTimeout: Duration(5 * time.Second),
		},
		Photos: PhotosConfig{
			Enabled:   true,
			Interval:  Duration(5 * time.Second),
			BatchSize: 50,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7940",
		},
		Store: StoreConfig{
			Path:     "./data/partyoverlay.db",
			OpsLimit: store.DefaultOpsLimit,
		},
	}
}

// LoadDotEnv loads variables from an optional .env file without overriding
// variables already set.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration. path names an optional TOML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.Transport.URL == "" && cfg.Backend.URL != "" {
		cfg.Transport.URL = strings.TrimRight(cfg.Backend.URL, "/") + "/ws/player"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if err := httputil.ValidateBaseURL(c.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	}
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	}
	if err := c.TokenPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if _, err := engine.ParseLegacyPolicy(c.Engine.LegacyFrames); err != nil {
		errs = append(errs, fmt.Errorf("engine.legacy_frames: %w", err))
	}
	if c.Engine.PreloadWindow <= 0 {
		errs = append(errs, errors.New("engine.preload_window must be positive"))
	}
	if c.Engine.SettleDelay < 0 {
		errs = append(errs, errors.New("engine.settle_delay must not be negative"))
	}
	if c.Photos.Enabled && c.Photos.Interval <= 0 {
		errs = append(errs, errors.New("photos.interval must be positive"))
	}
	if c.Store.EncryptionKey != "" && c.Store.Passphrase != "" {
		errs = append(errs, errors.New("store: set encryption_key or passphrase, not both"))
	}
	return errors.Join(errs...)
}

// TokenPolicy returns the websocket token policy. The backend API token is
// used when no dedicated transport token is set.
func (c *Config) TokenPolicy() transport.TokenPolicy {
	token := c.Transport.Token
	if token == "" {
		token = c.Backend.APIToken
	}
	return transport.TokenPolicy{
		Strategy:    transport.TokenStrategy(c.Transport.TokenStrategy),
		Token:       token,
		QueryKey:    c.Transport.QueryKey,
		Subprotocol: c.Transport.Subprotocol,
	}
}
