package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int

	Store          string
	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	DBAutoMigrate  bool
	BadgerDir      string
	BrokerQueue    int
	RequireStoreOK bool

	JWTSecret    string
	JWTIssuer    string
	JWTTTL       time.Duration
	DevTokens    bool
	CookieSecure bool

	APIRate  float64
	APIBurst int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSDevInsecure       bool
	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
}

// LoadConfig loads Config from environment variables with defaults. A .env
// file in the working directory, when present, seeds variables that are not
// already set. The result is not validated; New does that.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPAddr:  EnvString("CHATTER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHATTER_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATTER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHATTER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATTER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATTER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATTER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("CHATTER_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("CHATTER_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      EnvInt("CHATTER_HTTP_MAX_BODY_BYTES", 64<<10),

		Store:          strings.ToLower(EnvString("CHATTER_STORE", "")),
		DatabaseURL:    EnvString("CHATTER_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("CHATTER_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("CHATTER_DB_MIN_CONNS", 0),
		DBAutoMigrate:  EnvBool("CHATTER_DB_AUTO_MIGRATE", false),
		BadgerDir:      EnvString("CHATTER_BADGER_DIR", "./data/badger"),
		BrokerQueue:    EnvInt("CHATTER_BROKER_QUEUE", 64),
		RequireStoreOK: EnvBool("CHATTER_READINESS_REQUIRE_STORE", true),

		JWTSecret:    EnvString("CHATTER_JWT_SECRET", ""),
		JWTIssuer:    EnvString("CHATTER_JWT_ISSUER", "chatter"),
		JWTTTL:       EnvDuration("CHATTER_JWT_TTL", 24*time.Hour),
		DevTokens:    EnvBool("CHATTER_DEV_TOKENS", false),
		CookieSecure: EnvBool("CHATTER_COOKIE_SECURE", true),

		APIRate:  EnvFloat("CHATTER_API_RATE", 20),
		APIBurst: EnvInt("CHATTER_API_BURST", 40),

		CORSAllowedOrigins:   EnvCSV("CHATTER_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("CHATTER_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("CHATTER_CORS_MAX_AGE_SECONDS", 600),

		WSOriginRequired:    EnvBool("CHATTER_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("CHATTER_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSDevInsecure:       EnvBool("CHATTER_WS_DEV_INSECURE", false),
		WSSendQueue:         EnvInt("CHATTER_WS_SEND_QUEUE", 256),
		WSWriteTimeout:      EnvDuration("CHATTER_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHeartbeatInterval: EnvDuration("CHATTER_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("CHATTER_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("CHATTER_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("CHATTER_WS_RATE_WINDOW", 10*time.Second),
	}

	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: CHATTER_STORE=postgres requires CHATTER_DATABASE_URL")
		}
	case StoreBadger:
		if strings.TrimSpace(c.BadgerDir) == "" {
			return errors.New("config: CHATTER_STORE=badger requires CHATTER_BADGER_DIR")
		}
	default:
		return fmt.Errorf("config: unknown CHATTER_STORE %q", c.Store)
	}

	if len(c.JWTSecret) < 32 {
		return errors.New("config: CHATTER_JWT_SECRET must be at least 32 bytes")
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown CHATTER_LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}
