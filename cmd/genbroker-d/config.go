package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/progress"
)

const (
	defaultAddr          = "127.0.0.1:8095"
	defaultAPIRate       = 120
	defaultAPIWindow     = time.Minute
	defaultSweepInterval = time.Minute
)

type Config struct {
	DBPath     string
	Addr       string
	RedisAddr  string
	AdminToken string
	// ClientToken lets SDK clients lease credentials without the admin token.
	ClientToken string
	TLSCert     string
	TLSKey      string

	DailyQuota      int
	MaxConcurrent   int
	ExclusiveLeases bool
	APIRate         int
	APIWindow       time.Duration
	SweepInterval   time.Duration

	CacheTTL    time.Duration
	Grace       time.Duration
	Heartbeat   time.Duration
	PongTimeout time.Duration

	LogLevel  slog.Level
	LogFormat string
}

// Broker returns the progress broker settings.
func (c Config) Broker() progress.Config {
	return progress.Config{
		CacheTTL:    c.CacheTTL,
		Grace:       c.Grace,
		Heartbeat:   c.Heartbeat,
		PongTimeout: c.PongTimeout,
	}
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	env := envReader{}
	dbPath := envOrDefault("GENBROKER_DB_PATH", filepath.Join(cwd, "genbroker.db"))
	addr := addrFromEnv(defaultAddr)
	dailyQuota := env.int("GENBROKER_DAILY_QUOTA", credential.DefaultDailyQuota)
	maxConcurrent := env.int("GENBROKER_MAX_CONCURRENT", 0)
	exclusive := env.bool("GENBROKER_EXCLUSIVE_LEASES", false)
	apiRate := env.int("GENBROKER_API_RATE", defaultAPIRate)
	apiWindow := env.duration("GENBROKER_API_WINDOW", defaultAPIWindow)
	sweepInterval := env.duration("GENBROKER_SWEEP_INTERVAL", defaultSweepInterval)
	cacheTTL := env.duration("GENBROKER_CACHE_TTL", progress.DefaultCacheTTL)
	grace := env.duration("GENBROKER_GRACE", progress.DefaultGrace)
	heartbeat := env.duration("GENBROKER_HEARTBEAT", progress.DefaultHeartbeat)
	pongTimeout := env.duration("GENBROKER_PONG_TIMEOUT", 0)
	if env.err != nil {
		return Config{}, env.err
	}

	flagSet := flag.NewFlagSet("genbroker-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagRedis := flagSet.String("redis", os.Getenv("GENBROKER_REDIS_ADDR"), "Redis address; empty keeps bus, cache and limiters in memory")
	flagAdmin := flagSet.String("admin-token", os.Getenv("GENBROKER_ADMIN_TOKEN"), "bearer token for credential management and progress publication")
	flagClient := flagSet.String("client-token", os.Getenv("GENBROKER_CLIENT_TOKEN"), "bearer token for acquiring, extending and reporting leases")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("GENBROKER_TLS_CERT"), "TLS certificate file")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("GENBROKER_TLS_KEY"), "TLS key file")
	flagQuota := flagSet.Int("daily-quota", dailyQuota, "default daily quota per credential")
	flagMaxConcurrent := flagSet.Int("max-concurrent", maxConcurrent, "in-flight leases per credential (0 = unbounded)")
	flagExclusive := flagSet.Bool("exclusive-leases", exclusive, "hold a cluster-wide lease per reservation")
	flagAPIRate := flagSet.Int("api-rate", apiRate, "acquire requests per window per client (0 = unlimited)")
	flagAPIWindow := flagSet.String("api-window", apiWindow.String(), "acquire rate limit window")
	flagSweep := flagSet.String("sweep-interval", sweepInterval.String(), "expired credential sweep interval")
	flagCacheTTL := flagSet.String("cache-ttl", cacheTTL.String(), "how long the last progress update per job is kept")
	flagGrace := flagSet.String("grace", grace.String(), "delay before a finished job's channel closes")
	flagHeartbeat := flagSet.String("heartbeat", heartbeat.String(), "push channel ping interval")
	flagPongTimeout := flagSet.String("pong-timeout", pongTimeout.String(), "drop subscribers silent for this long (0 = never)")
	flagLogLevel := flagSet.String("log-level", envOrDefault("GENBROKER_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	flagLogFormat := flagSet.String("log-format", envOrDefault("GENBROKER_LOG_FORMAT", "json"), "log format: json|text")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	config := Config{
		DBPath:          resolvePath(*flagDB, cwd),
		Addr:            strings.TrimSpace(*flagAddr),
		RedisAddr:       strings.TrimSpace(*flagRedis),
		AdminToken:      strings.TrimSpace(*flagAdmin),
		ClientToken:     strings.TrimSpace(*flagClient),
		TLSCert:         resolvePath(*flagTLSCert, cwd),
		TLSKey:          resolvePath(*flagTLSKey, cwd),
		DailyQuota:      *flagQuota,
		MaxConcurrent:   *flagMaxConcurrent,
		ExclusiveLeases: *flagExclusive,
		APIRate:         *flagAPIRate,
		LogFormat:       strings.ToLower(strings.TrimSpace(*flagLogFormat)),
	}

	durations := []struct {
		name  string
		raw   string
		dst   *time.Duration
		allow bool // zero allowed
	}{
		{"api window", *flagAPIWindow, &config.APIWindow, false},
		{"sweep interval", *flagSweep, &config.SweepInterval, false},
		{"cache ttl", *flagCacheTTL, &config.CacheTTL, false},
		{"grace", *flagGrace, &config.Grace, false},
		{"heartbeat", *flagHeartbeat, &config.Heartbeat, false},
		{"pong timeout", *flagPongTimeout, &config.PongTimeout, true},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if parsed < 0 || (parsed == 0 && !d.allow) {
			return Config{}, fmt.Errorf("%s must be positive", d.name)
		}
		*d.dst = parsed
	}

	if err := config.LogLevel.UnmarshalText([]byte(*flagLogLevel)); err != nil {
		return Config{}, fmt.Errorf("invalid log level: %w", err)
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if config.DailyQuota <= 0 {
		return Config{}, errors.New("daily quota must be positive")
	}
	if config.MaxConcurrent < 0 {
		return Config{}, errors.New("max concurrent cannot be negative")
	}
	if config.APIRate < 0 {
		return Config{}, errors.New("api rate cannot be negative")
	}
	if (config.TLSCert == "") != (config.TLSKey == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}
	if config.LogFormat != "json" && config.LogFormat != "text" {
		return Config{}, fmt.Errorf("unsupported log format: %s", config.LogFormat)
	}
	if config.PongTimeout > 0 && config.PongTimeout <= config.Heartbeat {
		return Config{}, errors.New("pong timeout must exceed the heartbeat interval")
	}

	return config, nil
}

// envReader parses typed environment variables, keeping the first error.
type envReader struct {
	err error
}

func (e *envReader) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" || e.err != nil {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
		return fallback
	}
	return v
}

func (e *envReader) bool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" || e.err != nil {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
		return fallback
	}
	return v
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" || e.err != nil {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
		return fallback
	}
	if v < 0 {
		e.err = fmt.Errorf("%s must not be negative", key)
		return fallback
	}
	return v
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("GENBROKER_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("GENBROKER_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
