// Package config builds the single immutable configuration the service is
// constructed from.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// EnvPrefix is the prefix of environment variables that override config keys.
// The key "secrets.session" is read from KERTAS_SECRETS_SESSION.
const EnvPrefix = "kertas"

const (
	StoreGDrive = "gdrive"
	StoreMemory = "memory"
)

// Error is the error class for configuration problems.
var Error = errs.Class("config")

var (
	ErrConfigFileUnreadable    = errors.New("config file is unreadable")
	ErrSessionSecretMissing    = errors.New("secrets.session is missing")
	ErrDownloadSecretMissing   = errors.New("secrets.download is missing")
	ErrSecretsNotDistinct      = errors.New("secrets.session and secrets.download must differ")
	ErrRateLimitInvalid        = errors.New("ratelimit.requests and ratelimit.window must be positive")
	ErrLoginLimitInvalid       = errors.New("login.maxFailures and login.window must be positive")
	ErrDownloadTTLInvalid      = errors.New("download.defaultTTL must be positive and not exceed download.maxTTL")
	ErrStoreKindInvalid        = errors.New("store.kind must be gdrive or memory")
	ErrGDriveCredentialMissing = errors.New("gdrive.credentialsFile or gdrive.credentialsJSON is required for the gdrive store")
)

type Server struct {
	Address           string `mapstructure:"address"`
	TrustProxyHeaders bool   `mapstructure:"trustProxyHeaders"`
}

type Debug struct {
	Address string `mapstructure:"address"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
	Output      string `mapstructure:"output"`
}

type Drives struct {
	File              string `mapstructure:"file"`
	PublicContainerID string `mapstructure:"publicContainerId"`
}

type Secrets struct {
	Session          string   `mapstructure:"session"`
	Download         string   `mapstructure:"download"`
	Admin            string   `mapstructure:"admin"`
	PreviousSession  []string `mapstructure:"previousSession"`
	PreviousDownload []string `mapstructure:"previousDownload"`
}

type Session struct {
	CookieSecure bool   `mapstructure:"cookieSecure"`
	CookieDomain string `mapstructure:"cookieDomain"`
}

type Download struct {
	DefaultTTL        time.Duration `mapstructure:"defaultTTL"`
	MaxTTL            time.Duration `mapstructure:"maxTTL"`
	BindClientAddress bool          `mapstructure:"bindClientAddress"`
	BaseURL           string        `mapstructure:"baseURL"`
}

type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type Login struct {
	MaxFailures          int           `mapstructure:"maxFailures"`
	Window               time.Duration `mapstructure:"window"`
	RevealDriveExistence bool          `mapstructure:"revealDriveExistence"`
}

type Stream struct {
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
	MaxDuration time.Duration `mapstructure:"maxDuration"`
	CacheMaxAge time.Duration `mapstructure:"cacheMaxAge"`
}

type CORS struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type Store struct {
	Kind    string `mapstructure:"kind"`
	SeedDir string `mapstructure:"seedDir"`
}

type GDrive struct {
	CredentialsFile   string  `mapstructure:"credentialsFile"`
	CredentialsJSON   string  `mapstructure:"credentialsJSON"`
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`
	Burst             int     `mapstructure:"burst"`
}

// Config is the complete process configuration. It is built once by Load and
// passed by pointer to every component; nothing mutates it afterwards.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Debug     Debug     `mapstructure:"debug"`
	Log       Log       `mapstructure:"log"`
	Drives    Drives    `mapstructure:"drives"`
	Secrets   Secrets   `mapstructure:"secrets"`
	Session   Session   `mapstructure:"session"`
	Download  Download  `mapstructure:"download"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Login     Login     `mapstructure:"login"`
	Stream    Stream    `mapstructure:"stream"`
	CORS      CORS      `mapstructure:"cors"`
	Store     Store     `mapstructure:"store"`
	GDrive    GDrive    `mapstructure:"gdrive"`
}

// SetDefaults registers every key with its default so that environment
// overrides apply to keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.trustProxyHeaders", false)
	v.SetDefault("debug.address", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)
	v.SetDefault("log.output", "stderr")

	v.SetDefault("drives.file", "")
	v.SetDefault("drives.publicContainerId", "")

	v.SetDefault("secrets.session", "")
	v.SetDefault("secrets.download", "")
	v.SetDefault("secrets.admin", "")
	v.SetDefault("secrets.previousSession", []string{})
	v.SetDefault("secrets.previousDownload", []string{})

	v.SetDefault("session.cookieSecure", true)
	v.SetDefault("session.cookieDomain", "")

	v.SetDefault("download.defaultTTL", time.Hour)
	v.SetDefault("download.maxTTL", 7*24*time.Hour)
	v.SetDefault("download.bindClientAddress", false)
	v.SetDefault("download.baseURL", "")

	v.SetDefault("ratelimit.requests", 120)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("login.maxFailures", 10)
	v.SetDefault("login.window", 15*time.Minute)
	v.SetDefault("login.revealDriveExistence", false)

	v.SetDefault("stream.idleTimeout", time.Minute)
	v.SetDefault("stream.maxDuration", 6*time.Hour)
	v.SetDefault("stream.cacheMaxAge", 5*time.Minute)

	v.SetDefault("cors.allowedOrigins", []string{})

	v.SetDefault("store.kind", StoreGDrive)
	v.SetDefault("store.seedDir", "")

	v.SetDefault("gdrive.credentialsFile", "")
	v.SetDefault("gdrive.credentialsJSON", "")
	v.SetDefault("gdrive.requestsPerSecond", 10.0)
	v.SetDefault("gdrive.burst", 20)
}

// Bind prepares v to read the optional config file and the environment.
func Bind(v *viper.Viper, configFile string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Error.Wrap(fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err))
		}
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Error.Wrap(err)
	}
	cfg.CORS.AllowedOrigins = splitList(cfg.CORS.AllowedOrigins)
	cfg.Secrets.PreviousSession = splitList(cfg.Secrets.PreviousSession)
	cfg.Secrets.PreviousDownload = splitList(cfg.Secrets.PreviousDownload)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the service cannot run without. Missing
// signing secrets are fatal: the service fails closed instead of accepting
// unsigned tokens.
func (c *Config) Validate() error {
	if c.Secrets.Session == "" {
		return Error.Wrap(ErrSessionSecretMissing)
	}
	if c.Secrets.Download == "" {
		return Error.Wrap(ErrDownloadSecretMissing)
	}
	if c.Secrets.Session == c.Secrets.Download {
		return Error.Wrap(ErrSecretsNotDistinct)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return Error.Wrap(ErrRateLimitInvalid)
	}
	if c.Login.MaxFailures <= 0 || c.Login.Window <= 0 {
		return Error.Wrap(ErrLoginLimitInvalid)
	}
	if c.Download.DefaultTTL <= 0 || c.Download.DefaultTTL > c.Download.MaxTTL {
		return Error.Wrap(ErrDownloadTTLInvalid)
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreGDrive:
		if c.GDrive.CredentialsFile == "" && c.GDrive.CredentialsJSON == "" {
			return Error.Wrap(ErrGDriveCredentialMissing)
		}
	default:
		return Error.Wrap(ErrStoreKindInvalid)
	}
	return nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
