package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Mode selects between the persistent, authenticated deployment and the
// ephemeral, public one.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeBrowserOnly Mode = "browser-only"
)

// DefaultSettingsModule is the settings profile used when
// DJANGO_SETTINGS_MODULE is not set.
const DefaultSettingsModule = "vlamy.settings"

// Config is the root configuration for the VLAMy launcher.
type Config struct {
	Debug          bool     `mapstructure:"debug"`
	SecretKey      string   `mapstructure:"secret_key"`
	AllowedHosts   []string `mapstructure:"allowed_hosts"`
	SettingsModule string   `mapstructure:"settings_module"`
	BrowserOnly    bool     `mapstructure:"browser_only_mode"`
	EnvFile        string   `mapstructure:"env_file"`

	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Auth      AuthConfig      `mapstructure:"auth"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`

	// Mode is resolved from BrowserOnly and SettingsModule by Load.
	Mode Mode `mapstructure:"-"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	LogFile      string `mapstructure:"log_file"`
}

// DatabaseConfig describes the persistent store used in full mode.
// Browser-only mode ignores it and always uses an in-memory database.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, mysql
	Path     string `mapstructure:"path"`   // sqlite file
	URL      string `mapstructure:"url"`    // postgres or mysql DSN
	MaxConns int32  `mapstructure:"max_conns"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`

	// MustChangePassword is set by Validate when the documented default
	// password had to be used.
	MustChangePassword bool `mapstructure:"-"`
}

type AuthConfig struct {
	TokenCacheTTL time.Duration `mapstructure:"token_cache_ttl"`
	CookieName    string        `mapstructure:"cookie_name"`
	CookieSecure  bool          `mapstructure:"cookie_secure"`
}

type OCRConfig struct {
	OpenAIAPIKey   string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL  string        `mapstructure:"openai_base_url"`
	CustomEndpoint string        `mapstructure:"custom_endpoint"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

type BootstrapConfig struct {
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Redis        RedisConfig   `mapstructure:"redis"`
	NATS         NATSConfig    `mapstructure:"nats"`
}

// RedisConfig enables the cross-replica bootstrap lock when URL is set.
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	LockKey string        `mapstructure:"lock_key"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// NATSConfig enables lifecycle event publishing when URL is set.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// contractEnv maps config keys to the unprefixed variables the container
// images have always accepted. The VLAMY_-prefixed form is checked first.
var contractEnv = map[string]string{
	"server.port":         "PORT",
	"debug":               "DEBUG",
	"secret_key":          "SECRET_KEY",
	"allowed_hosts":       "ALLOWED_HOSTS",
	"settings_module":     "DJANGO_SETTINGS_MODULE",
	"browser_only_mode":   "BROWSER_ONLY_MODE",
	"ocr.openai_api_key":  "OPENAI_API_KEY",
	"ocr.custom_endpoint": "CUSTOM_OCR_ENDPOINT",
	"database.url":        "DATABASE_URL",
	"admin.username":      "ADMIN_USERNAME",
	"admin.email":         "ADMIN_EMAIL",
	"admin.password":      "ADMIN_PASSWORD",
	"bootstrap.redis.url": "REDIS_URL",
	"bootstrap.nats.url":  "NATS_URL",
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables. Every key is reachable with the VLAMY_ prefix
// (e.g. VLAMY_SERVER_PORT); the deployment contract variables (PORT,
// SECRET_KEY, BROWSER_ONLY_MODE, ...) are also bound without it.
//
// A .env file in the working directory (or VLAMY_ENV_FILE) is loaded first
// but never overrides variables already present in the environment.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VLAMY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range contractEnv {
		prefixed := "VLAMY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.AllowedHosts = normalizeHosts(cfg.AllowedHosts)
	cfg.Mode = resolveMode(v.IsSet("browser_only_mode"), cfg.BrowserOnly, cfg.SettingsModule)
	cfg.Database.inferDriver()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("secret_key", "")
	v.SetDefault("allowed_hosts", []string{"*"})
	v.SetDefault("settings_module", DefaultSettingsModule)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7860)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "vlamy")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_file", "")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.path", "data/db.sqlite3")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.email", "admin@example.com")

	v.SetDefault("auth.token_cache_ttl", 5*time.Minute)
	v.SetDefault("auth.cookie_name", "vlamy_session")
	v.SetDefault("auth.cookie_secure", false)

	v.SetDefault("ocr.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("ocr.probe_timeout", 5*time.Second)

	v.SetDefault("bootstrap.retry_backoff", 2*time.Second)
	v.SetDefault("bootstrap.timeout", 2*time.Minute)
	v.SetDefault("bootstrap.redis.lock_key", "vlamy:bootstrap:lock")
	v.SetDefault("bootstrap.redis.lock_ttl", 2*time.Minute)
	v.SetDefault("bootstrap.nats.stream", "VLAMY_EVENTS")
}

func loadEnvFile() error {
	path := os.Getenv("VLAMY_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("reading env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// resolveMode applies the mode precedence: an explicit BROWSER_ONLY_MODE
// wins, otherwise a settings module ending in "browser_only" selects the
// ephemeral mode.
func resolveMode(explicit, browserOnly bool, settingsModule string) Mode {
	if explicit {
		if browserOnly {
			return ModeBrowserOnly
		}
		return ModeFull
	}
	last := settingsModule
	if i := strings.LastIndex(last, "."); i >= 0 {
		last = last[i+1:]
	}
	if strings.HasSuffix(last, "browser_only") {
		return ModeBrowserOnly
	}
	return ModeFull
}

// normalizeHosts splits comma-joined entries (as delivered by a single
// env var) and drops blanks.
func normalizeHosts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, h := range strings.Split(entry, ",") {
			if h = strings.TrimSpace(h); h != "" {
				out = append(out, strings.ToLower(h))
			}
		}
	}
	return out
}

func (d *DatabaseConfig) inferDriver() {
	if d.Driver != "" {
		d.Driver = strings.ToLower(d.Driver)
		return
	}
	switch {
	case strings.HasPrefix(d.URL, "postgres://"), strings.HasPrefix(d.URL, "postgresql://"):
		d.Driver = "postgres"
	case strings.HasPrefix(d.URL, "mysql://"):
		d.Driver = "mysql"
		d.URL = strings.TrimPrefix(d.URL, "mysql://")
	default:
		d.Driver = "sqlite"
	}
}

// IsBrowserOnly reports whether the launcher runs without persistence or
// authentication.
func (c *Config) IsBrowserOnly() bool {
	return c.Mode == ModeBrowserOnly
}

// ListenAddr returns the host:port the application listener binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
