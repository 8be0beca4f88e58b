package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// The YAML file is the primary source. DOIT_* environment variables are
// applied on top of it; none of them carry defaults, so an unset variable
// never clobbers a file value.

// Duration reads "10s", "5m" or a bare number of seconds from YAML and
// from the environment.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) SetValue(data string) error {
	v, err := parseDuration(data)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration must be like 10s, 5m or a number of seconds: %w", err)
	}
	return d, nil
}

// ICSConfig is a calendar subscription imported into one user's events.
type ICSConfig struct {
	ID     string `yaml:"id" json:"id"`
	URL    string `yaml:"url" json:"url"`
	UserID string `yaml:"user_id" json:"user_id"`
}

// BasicAuthConfig enables HTTP Basic Auth on every endpoint except /health
// when Username is set.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" env:"DOIT_BASIC_AUTH_USERNAME"`
	Password string `yaml:"password" json:"password" env:"DOIT_BASIC_AUTH_PASSWORD"`
}

func (b BasicAuthConfig) Enabled() bool { return b.Username != "" }

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"DOIT_REDIS_ADDR"`
	Password string `yaml:"password" json:"password" env:"DOIT_REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DOIT_REDIS_DB"`
	// URL (redis:// or rediss://) overrides Addr, Password and DB.
	URL string `yaml:"url,omitempty" json:"url,omitempty" env:"DOIT_REDIS_URL,REDIS_URL"`
}

// IDStoreConfig selects the durable store of the notification id counter.
type IDStoreConfig struct {
	// Driver is "sqlite" (default), "redis" or "memory".
	Driver string      `yaml:"driver" json:"driver" env:"DOIT_ID_STORE_DRIVER"`
	Path   string      `yaml:"path" json:"path" env:"DOIT_ID_STORE_PATH"`
	Key    string      `yaml:"key" json:"key" env:"DOIT_ID_STORE_KEY"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
}

type NotificationsConfig struct {
	// PermissionGranted is the initial permission state of the local
	// notifier.
	PermissionGranted bool `yaml:"permission_granted" json:"permission_granted" env:"DOIT_NOTIFICATIONS_GRANTED"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen" json:"listen" env:"DOIT_LISTEN"`

	// Timezone is the IANA zone that decides what "today" is. The default
	// pairs with RegionalOffsetHours 3, which undoes the UTC-3 shift of the
	// stored values.
	Timezone string `yaml:"timezone" json:"timezone" env:"DOIT_TIMEZONE"`

	// RegionalOffsetHours is added once to every stored instant.
	RegionalOffsetHours int `yaml:"regional_offset_hours" json:"regional_offset_hours" env:"DOIT_REGIONAL_OFFSET_HOURS"`

	// ReminderHorizonHours bounds the dashboard's upcoming reminder.
	ReminderHorizonHours int `yaml:"reminder_horizon_hours" json:"reminder_horizon_hours" env:"DOIT_REMINDER_HORIZON_HOURS"`

	LogLevel string `yaml:"log_level" json:"log_level" env:"DOIT_LOG_LEVEL"`

	// SweepCron re-evaluates every watched dashboard (expiry, day rollover).
	SweepCron string `yaml:"sweep" json:"sweep" env:"DOIT_SWEEP"`

	IDStore       IDStoreConfig       `yaml:"id_store" json:"id_store"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`

	ICS            []ICSConfig `yaml:"ics" json:"ics"`
	ICSRefreshCron string      `yaml:"ics_refresh" json:"ics_refresh" env:"DOIT_ICS_REFRESH"`
	ICSHorizonDays int         `yaml:"ics_horizon_days" json:"ics_horizon_days" env:"DOIT_ICS_HORIZON_DAYS"`
	ICSCacheDir    string      `yaml:"ics_cache_dir" json:"ics_cache_dir" env:"DOIT_ICS_CACHE_DIR"`
	ICSTimeout     Duration    `yaml:"ics_timeout" json:"ics_timeout" env:"DOIT_ICS_TIMEOUT"`

	// SeedPath, when set, is loaded into the in-memory document store at
	// startup.
	SeedPath string `yaml:"seed_path,omitempty" json:"seed_path,omitempty" env:"DOIT_SEED_PATH"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"DOIT_SHUTDOWN_TIMEOUT"`

	BasicAuth BasicAuthConfig `yaml:"basic_auth" json:"basic_auth"`

	// CORSOrigins are the origins allowed to call the API; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins" env:"DOIT_CORS_ORIGINS"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:8080",
		Timezone:             "America/Santiago",
		RegionalOffsetHours:  3,
		ReminderHorizonHours: 24,
		LogLevel:             "info",
		SweepCron:            "@every 1m",
		IDStore: IDStoreConfig{
			Driver: "sqlite",
			Path:   "~/.local/share/doit/state.db",
			Key:    "lastNotificationId",
		},
		Notifications:   NotificationsConfig{PermissionGranted: true},
		ICS:             []ICSConfig{},
		ICSRefreshCron:  "*/15 * * * *",
		ICSHorizonDays:  30,
		ICSCacheDir:     "~/.cache/doit/ics",
		ICSTimeout:      Duration(20 * time.Second),
		ShutdownTimeout: Duration(10 * time.Second),
		CORSOrigins:     []string{"*"},
	}
}

// Normalize replaces empty or invalid values with defaults.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.ReminderHorizonHours <= 0 {
		c.ReminderHorizonHours = d.ReminderHorizonHours
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.SweepCron == "" {
		c.SweepCron = d.SweepCron
	}
	switch c.IDStore.Driver {
	case "sqlite", "redis", "memory":
	default:
		c.IDStore.Driver = d.IDStore.Driver
	}
	if c.IDStore.Path == "" {
		c.IDStore.Path = d.IDStore.Path
	}
	if c.IDStore.Key == "" {
		c.IDStore.Key = d.IDStore.Key
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.ICSRefreshCron == "" {
		c.ICSRefreshCron = d.ICSRefreshCron
	}
	if c.ICSHorizonDays <= 0 {
		c.ICSHorizonDays = d.ICSHorizonDays
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = d.ICSCacheDir
	}
	if c.ICSTimeout <= 0 {
		c.ICSTimeout = d.ICSTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = d.CORSOrigins
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ReminderHorizon is ReminderHorizonHours as a duration.
func (c *Config) ReminderHorizon() time.Duration {
	return time.Duration(c.ReminderHorizonHours) * time.Hour
}

// Load reads the YAML file at path over the defaults and applies the
// environment on top. A missing file is created with the defaults (0600).
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overlays DOIT_* variables and resolves a Redis URL.
func ApplyEnv(cfg *Config) error {
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("read env: %w", err)
	}
	r := &cfg.IDStore.Redis
	if r.URL != "" {
		addr, password, db, err := parseRedisURL(r.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		r.Addr, r.Password, r.DB = addr, password, db
	}
	if cfg.IDStore.Driver == "redis" && r.Addr == "" {
		return errors.New("id_store.redis.addr or a redis url is required for the redis driver")
	}
	return nil
}

// parseRedisURL extracts host:port, password and DB from a redis:// or
// rediss:// URL.
func parseRedisURL(s string) (addr, password string, db int, err error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", "", 0, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return "", "", 0, fmt.Errorf("scheme must be redis or rediss, got %q", u.Scheme)
	}
	addr = u.Host
	if addr == "" {
		return "", "", 0, errors.New("missing host")
	}
	if u.User != nil {
		password, _ = u.User.Password()
	}
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		db, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("db %q: %w", p, err)
		}
	}
	return addr, password, db, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".doit-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
