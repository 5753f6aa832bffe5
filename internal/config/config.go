package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds every knob the backup/restore process reads at startup,
// following the teacher's flag-then-env-override pattern: flag.StringVar
// sets the default, then a matching environment variable overrides it if
// present.
type Config struct {
	Port            int
	DataDir         string // directory holding the bbolt database file
	BackupDir       string // finished-artifact staging directory
	StacksDir       string // one subdirectory per imported stack manifest, watched for external edits
	TelegramToken   string
	ChatID          string
	TelegramAPIRoot string
	QueueCapacity   int
	LogLevel        slog.Level // Parsed log level (debug, info, warn, error)
	Pprof           bool       // Enable /debug/pprof/ endpoints
}

func Parse() *Config {
	cfg := &Config{}

	var logLevel string
	flag.IntVar(&cfg.Port, "port", 5001, "HTTP status server port")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (bbolt DB)")
	flag.StringVar(&cfg.BackupDir, "backup-dir", "./backups", "Path to finished-artifact staging directory")
	flag.StringVar(&cfg.StacksDir, "stacks-dir", "./stacks", "Path to imported stack manifests directory (watched for external edits)")
	flag.StringVar(&cfg.TelegramToken, "telegram-token", "", "Telegram bot token (optional)")
	flag.StringVar(&cfg.ChatID, "chat-id", "", "Telegram destination chat id (optional)")
	flag.StringVar(&cfg.TelegramAPIRoot, "telegram-api-root", "https://api.telegram.org", "Telegram Bot API root")
	flag.IntVar(&cfg.QueueCapacity, "queue-capacity", 64, "Pending job queue capacity")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.Pprof, "pprof", false, "Enable /debug/pprof/ endpoints")
	flag.Parse()

	// Env vars override flags (if set)
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DOCKGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("STACKS_DIR"); v != "" {
		cfg.StacksDir = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("CHAT_ID"); v != "" {
		cfg.ChatID = v
	}
	if v := os.Getenv("TELEGRAM_API_ROOT"); v != "" {
		cfg.TelegramAPIRoot = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := os.Getenv("PPROF"); v == "1" || v == "true" {
		cfg.Pprof = true
	}

	cfg.LogLevel = parseLogLevel(logLevel)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
