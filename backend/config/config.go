package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "COLLAB"

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr  string
	WSListenAddr   string
	LogLevel       zerolog.Level
	LogFormat      string
	MailboxSize    int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

// Load builds configuration from command line args, environment and an optional .env file.
// Explicit flags take precedence over environment, environment over defaults.
// Variables are named COLLAB_<FLAG>, e.g. COLLAB_WS_LISTEN_ADDR.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("collab-relay", pflag.ContinueOnError)
	flags.StringP("api-listen-addr", "a", ":8080", "api listen address")
	flags.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
	flags.StringP("log-level", "l", "debug", "log level")
	flags.String("log-format", LogFormatJSON, "log output format: json or console")
	flags.Int("mailbox-size", 256, "per-session outbound queue size")
	flags.Int64("max-message-size", 64*1024, "max inbound websocket message size in bytes")
	flags.Duration("ping-interval", 5*time.Second, "websocket keepalive ping interval")
	flags.Duration("pong-wait", 7*time.Second, "how long to wait for pong, must exceed ping-interval")
	flags.StringSlice("allowed-origins", []string{"*"}, "allowed websocket origins, * allows any")
	envFile := flags.String("env-file", ".env", "optional dotenv file")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", *envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	cfg := &Config{
		APIListenAddr:  v.GetString("api-listen-addr"),
		WSListenAddr:   v.GetString("ws-listen-addr"),
		LogFormat:      strings.ToLower(v.GetString("log-format")),
		MailboxSize:    v.GetInt("mailbox-size"),
		MaxMessageSize: v.GetInt64("max-message-size"),
		PingInterval:   v.GetDuration("ping-interval"),
		PongWait:       v.GetDuration("pong-wait"),
		AllowedOrigins: splitList(v.GetStringSlice("allowed-origins")),
	}

	lvl, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	cfg.LogLevel = lvl

	if err = cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	switch {
	case cfg.LogFormat != LogFormatJSON && cfg.LogFormat != LogFormatConsole:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	case cfg.MailboxSize <= 0:
		return fmt.Errorf("mailbox-size must be positive, got %d", cfg.MailboxSize)
	case cfg.MaxMessageSize <= 0:
		return fmt.Errorf("max-message-size must be positive, got %d", cfg.MaxMessageSize)
	case cfg.PingInterval <= 0:
		return fmt.Errorf("ping-interval must be positive, got %s", cfg.PingInterval)
	case cfg.PongWait <= cfg.PingInterval:
		return fmt.Errorf("pong-wait (%s) must exceed ping-interval (%s)", cfg.PongWait, cfg.PingInterval)
	}
	return nil
}

// Logger returns the root logger writing to w in the configured format.
func (cfg *Config) Logger(w io.Writer) zerolog.Logger {
	if cfg.LogFormat == LogFormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(cfg.LogLevel)
}

// splitList accepts both repeated values and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
