package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ezkeys/ezkeys/internal/keygen"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// EZKEYS_APIKEY_PEPPER for apikey.pepper.
const EnvPrefix = "EZKEYS"

// Settings is the typed view of the ezkeys configuration file.
type Settings struct {
	RuntimeEnv string             `mapstructure:"runtime_env" yaml:"runtime_env"`
	APIKey     APIKeySettings     `mapstructure:"apikey" yaml:"apikey"`
	Hashing    HashingSettings    `mapstructure:"hashing" yaml:"hashing"`
	Store      StoreSettings      `mapstructure:"store" yaml:"store"`
	Identity   IdentitySettings   `mapstructure:"identity" yaml:"identity"`
	Revocation RevocationSettings `mapstructure:"revocation" yaml:"revocation"`
	KMS        KMSSettings        `mapstructure:"kms" yaml:"kms"`
	Demo       DemoSettings       `mapstructure:"demo" yaml:"demo"`
	Audit      AuditSettings      `mapstructure:"audit" yaml:"audit"`
	Server     ServerSettings     `mapstructure:"server" yaml:"server"`
	Logging    LoggingSettings    `mapstructure:"logging" yaml:"logging"`
}

// APIKeySettings holds the server-side pepper. It is read lazily by the
// hasher, so it is usually supplied through EZKEYS_APIKEY_PEPPER rather
// than the file.
type APIKeySettings struct {
	Pepper string `mapstructure:"pepper" yaml:"pepper"`
}

// HashingSettings overrides the Argon2id cost profile. Zero values fall back
// to the profile for the runtime environment.
type HashingSettings struct {
	Memory      uint32 `mapstructure:"memory" yaml:"memory"`
	Time        uint32 `mapstructure:"time" yaml:"time"`
	Parallelism uint8  `mapstructure:"parallelism" yaml:"parallelism"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// StoreSettings selects the key database.
type StoreSettings struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// IdentitySettings configures how identity tokens and session cookies are
// verified.
type IdentitySettings struct {
	// Mode is "hmac" for a shared secret or "jwks" for an external IdP.
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	HMACSecret    string        `mapstructure:"hmac_secret" yaml:"hmac_secret"`
	SessionSecret string        `mapstructure:"session_secret" yaml:"session_secret"`
	JWKSURL       string        `mapstructure:"jwks_url" yaml:"jwks_url"`
	JWKSRefresh   time.Duration `mapstructure:"jwks_refresh" yaml:"jwks_refresh"`
	Issuer        string        `mapstructure:"issuer" yaml:"issuer"`
	Audience      string        `mapstructure:"audience" yaml:"audience"`
	CheckRevoked  bool          `mapstructure:"check_revoked" yaml:"check_revoked"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	CookieName    string        `mapstructure:"cookie_name" yaml:"cookie_name"`
	CookieSecure  bool          `mapstructure:"cookie_secure" yaml:"cookie_secure"`
}

// RevocationSettings selects the session revocation registry. An empty
// RedisAddr keeps revocations in process memory.
type RevocationSettings struct {
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// KMSSettings points at a Vault Transit key used for demo key material.
type KMSSettings struct {
	Address string        `mapstructure:"address" yaml:"address"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Mount   string        `mapstructure:"mount" yaml:"mount"`
	KeyName string        `mapstructure:"key_name" yaml:"key_name"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DemoSettings is the deployment-level half of the demo opt-in.
type DemoSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// AuditSettings selects where lifecycle events go.
type AuditSettings struct {
	// Sink is "log", "kafka" or "none".
	Sink    string   `mapstructure:"sink" yaml:"sink"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// ServerSettings controls the HTTP listener.
type ServerSettings struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	VerifyRateLimit int           `mapstructure:"verify_rate_limit" yaml:"verify_rate_limit"`
}

// LoggingSettings controls log output.
type LoggingSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		RuntimeEnv: "dev",
		Store: StoreSettings{
			Driver: "sqlite",
		},
		Identity: IdentitySettings{
			Mode:        "hmac",
			Issuer:      "ezkeys",
			JWKSRefresh: 15 * time.Minute,
			SessionTTL:  5 * 24 * time.Hour,
			CookieName:  "__session",
		},
		Revocation: RevocationSettings{
			TTL: 14 * 24 * time.Hour,
		},
		KMS: KMSSettings{
			Mount:   "transit",
			Timeout: 5 * time.Second,
		},
		Audit: AuditSettings{
			Sink:  "log",
			Topic: "ezkeys.audit",
		},
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       120,
			VerifyRateLimit: 600,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers every default with v so that environment overrides
// resolve for keys that are absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("runtime_env", d.RuntimeEnv)
	v.SetDefault("apikey.pepper", "")
	v.SetDefault("hashing.memory", 0)
	v.SetDefault("hashing.time", 0)
	v.SetDefault("hashing.parallelism", 0)
	v.SetDefault("hashing.concurrency", 0)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.data_dir", "")
	v.SetDefault("store.max_open_conns", 0)
	v.SetDefault("identity.mode", d.Identity.Mode)
	v.SetDefault("identity.hmac_secret", "")
	v.SetDefault("identity.session_secret", "")
	v.SetDefault("identity.jwks_url", "")
	v.SetDefault("identity.jwks_refresh", d.Identity.JWKSRefresh)
	v.SetDefault("identity.issuer", d.Identity.Issuer)
	v.SetDefault("identity.audience", "")
	v.SetDefault("identity.check_revoked", false)
	v.SetDefault("identity.session_ttl", d.Identity.SessionTTL)
	v.SetDefault("identity.cookie_name", d.Identity.CookieName)
	v.SetDefault("identity.cookie_secure", false)
	v.SetDefault("revocation.redis_addr", "")
	v.SetDefault("revocation.redis_password", "")
	v.SetDefault("revocation.redis_db", 0)
	v.SetDefault("revocation.ttl", d.Revocation.TTL)
	v.SetDefault("kms.address", "")
	v.SetDefault("kms.token", "")
	v.SetDefault("kms.mount", d.KMS.Mount)
	v.SetDefault("kms.key_name", "")
	v.SetDefault("kms.timeout", d.KMS.Timeout)
	v.SetDefault("demo.enabled", false)
	v.SetDefault("audit.sink", d.Audit.Sink)
	v.SetDefault("audit.brokers", []string{})
	v.SetDefault("audit.topic", d.Audit.Topic)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.verify_rate_limit", d.Server.VerifyRateLimit)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load decodes v into Settings and validates the result.
func Load(v *viper.Viper) (*Settings, error) {
	s, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode unmarshals v without validating it.
func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// Validate reports the first configuration problem found. The pepper is not
// checked here; the hasher refuses to run without it.
func (s *Settings) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := keygen.ValidateEnv(s.RuntimeEnv); err != nil {
		add("runtime_env: %v", err)
	}

	switch s.Store.Driver {
	case "sqlite":
	case "postgres", "mysql":
		if s.Store.DSN == "" {
			add("store.dsn is required for driver %q", s.Store.Driver)
		}
	default:
		add("store.driver %q is not one of sqlite, postgres, mysql", s.Store.Driver)
	}

	switch s.Identity.Mode {
	case "hmac":
		if s.Identity.HMACSecret == "" {
			add("identity.hmac_secret is required in hmac mode")
		}
	case "jwks":
		if _, err := url.ParseRequestURI(s.Identity.JWKSURL); err != nil {
			add("identity.jwks_url must be an absolute URL in jwks mode")
		}
		if s.Identity.SessionSecret == "" {
			add("identity.session_secret is required in jwks mode")
		}
	default:
		add("identity.mode %q is not one of hmac, jwks", s.Identity.Mode)
	}
	if s.Identity.SessionTTL <= 0 {
		add("identity.session_ttl must be positive")
	}

	if s.Demo.Enabled && s.KMS.Address != "" && s.KMS.KeyName == "" {
		add("kms.key_name is required when kms.address is set")
	}

	switch s.Audit.Sink {
	case "log", "none":
	case "kafka":
		if len(s.Audit.Brokers) == 0 {
			add("audit.brokers is required for the kafka sink")
		}
		if s.Audit.Topic == "" {
			add("audit.topic is required for the kafka sink")
		}
	default:
		add("audit.sink %q is not one of log, kafka, none", s.Audit.Sink)
	}

	if s.Server.Port < 1 || s.Server.Port > 65535 {
		add("server.port %d is out of range", s.Server.Port)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// SessionSecret returns the key used to sign session cookies. In hmac mode
// it defaults to the identity token secret.
func (s *Settings) SessionSecret() string {
	if s.Identity.SessionSecret != "" {
		return s.Identity.SessionSecret
	}
	return s.Identity.HMACSecret
}

// DemoAvailable reports whether both deployment-level demo switches are on.
func (s *Settings) DemoAvailable() bool {
	return s.Demo.Enabled && s.KMS.Address != "" && s.KMS.KeyName != ""
}

// Redacted returns a copy with secrets masked, for display.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	s.APIKey.Pepper = mask(s.APIKey.Pepper)
	s.Identity.HMACSecret = mask(s.Identity.HMACSecret)
	s.Identity.SessionSecret = mask(s.Identity.SessionSecret)
	s.KMS.Token = mask(s.KMS.Token)
	s.Revocation.RedisPassword = mask(s.Revocation.RedisPassword)
	s.Store.DSN = mask(s.Store.DSN)
	return s
}
