package app

import (
	"fmt"
	"time"

	"tandem/cmd/internal/auth"
	"tandem/cmd/internal/mail"
	"tandem/cmd/internal/realtime"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every configuration key.
const EnvPrefix = "TANDEM_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is json or pretty.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"LOG_COLOR" envDefault:"false"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"65536"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"tandem"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`

	// RedisURL enables cross-process fan-out. Empty keeps fan-out in-process.
	RedisURL           string `env:"REDIS_URL"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"tandem:"`

	// PublicBaseURL prefixes invitation accept links. Derived from HTTPAddr when empty.
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	// If true, TOKEN_HMAC_KEY must be set (>= 32 bytes) and invitation tokens are HMAC-hashed.
	RequireTokenHMAC bool   `env:"REQUIRE_TOKEN_HMAC" envDefault:"false"`
	TokenHMACKey     string `env:"TOKEN_HMAC_KEY"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	InvitationTTL       time.Duration `env:"INVITATION_TTL" envDefault:"168h"`
	PresenceEditingIdle time.Duration `env:"PRESENCE_EDITING_IDLE" envDefault:"2500ms"`

	Auth auth.Config     `envPrefix:"AUTH_"`
	SMTP mail.SMTPConfig `envPrefix:"SMTP_"`
	WS   realtime.Config `envPrefix:"WS_"`
}

// LoadConfig parses TANDEM_* environment variables over the defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
