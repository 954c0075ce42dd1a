/*
config.go - Process configuration

SOURCES (later wins):
  1. Default()
  2. TOML file (vault serve --config vault.toml)
  3. Environment: VAULT_PORT, VAULT_DB_DRIVER, VAULT_DB_DSN, VAULT_HOLD_TTL,
     VAULT_JWT_SECRET, VAULT_LOG_LEVEL
  4. Command-line flags, applied by cmd/server

EXAMPLE:
  [server]
  port = 8080
  allowed_origins = ["http://localhost:5173"]
  read_timeout = "15s"

  [store]
  driver = "postgres"
  dsn = "postgres://vault@localhost/vault?sslmode=disable"

  [allocation]
  hold_ttl = "15m"
  reap_interval = "1m"

  [auth]
  mode = "jwt"
  jwt_secret = "..."
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Auth modes.
const (
	AuthHeader = "header"
	AuthJWT    = "jwt"
)

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server     Server     `toml:"server"`
	Store      Store      `toml:"store"`
	Allocation Allocation `toml:"allocation"`
	Auth       Auth       `toml:"auth"`
	RateLimit  RateLimit  `toml:"rate_limit"`
	Log        Log        `toml:"log"`
}

type Server struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
}

type Store struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type Allocation struct {
	// HoldTTL is the lease on a reservation. Zero disables expiry.
	HoldTTL      Duration `toml:"hold_ttl"`
	ReapInterval Duration `toml:"reap_interval"`
}

type Auth struct {
	Mode      string `toml:"mode"`
	Header    string `toml:"header"`
	JWTSecret string `toml:"jwt_secret"`
}

type RateLimit struct {
	// RPS is requests per second per account. Zero disables limiting.
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{15 * time.Second},
		},
		Store: Store{
			Driver: DriverSQLite,
			DSN:    "vault.db",
		},
		Allocation: Allocation{
			HoldTTL:      Duration{15 * time.Minute},
			ReapInterval: Duration{time.Minute},
		},
		Auth: Auth{
			Mode:   AuthHeader,
			Header: "X-Account",
		},
		RateLimit: RateLimit{
			RPS:   50,
			Burst: 100,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Read layers the file (when path is set) and the environment over the
// defaults without validating, so callers can apply further overrides
// before a single Validate.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("read config %s: unknown keys %v", path, undecoded)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without touching the
// environment.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from lookup, normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("VAULT_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VAULT_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("VAULT_DB_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := lookup("VAULT_DB_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := lookup("VAULT_HOLD_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VAULT_HOLD_TTL: %w", err)
		}
		c.Allocation.HoldTTL = Duration{ttl}
	}
	if v, ok := lookup("VAULT_JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("VAULT_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Allocation.HoldTTL.Duration < 0 {
		errs = append(errs, errors.New("allocation.hold_ttl must not be negative"))
	}
	if c.Allocation.ReapInterval.Duration <= 0 {
		errs = append(errs, errors.New("allocation.reap_interval must be positive"))
	}
	switch c.Auth.Mode {
	case AuthHeader:
		if c.Auth.Header == "" {
			errs = append(errs, errors.New("auth.header is required in header mode"))
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required in jwt mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.mode %q", c.Auth.Mode))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when rps is set"))
	}
	return errors.Join(errs...)
}
