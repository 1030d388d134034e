// Package logging builds the process logger and holds helpers for keeping
// personal data out of log lines.
package logging

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	Level       string // debug, info, warn, error
	Format      string // json or console
	Development bool
	// Verbose forces debug level regardless of Level.
	Verbose bool
}

// New builds a zap logger from opts.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	switch opts.Format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// MaskEmail masks an email address for logging, showing only first char and domain.
// Example: "john.doe@example.com" -> "j***@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return string(email[0]) + "***" + email[at:]
}

// ShortID returns a truncated UUID string for logging (first 8 chars).
func ShortID(id uuid.UUID) string {
	return id.String()[:8]
}

// Email is a zap field carrying a masked address.
func Email(email string) zap.Field {
	return zap.String("email", MaskEmail(email))
}

// User is a zap field carrying a shortened user ID.
func User(id uuid.UUID) zap.Field {
	return zap.String("user", ShortID(id))
}

// Token logs only the length and tail of a bearer or refresh token.
func Token(key, token string) zap.Field {
	if len(token) <= 4 {
		return zap.String(key, "***")
	}
	return zap.String(key, fmt.Sprintf("***%s (%d)", token[len(token)-4:], len(token)))
}
