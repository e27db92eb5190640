package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// Setup installs a JSON logger on stdout as the process default.
func Setup(level string) (*slog.Logger, error) {
	logger, err := New(os.Stdout, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// New returns a JSON logger writing to w. All loggers built here share one
// level, so SetLevel affects every component at once.
func New(w io.Writer, level string) (*slog.Logger, error) {
	if err := SetLevel(level); err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelVar,
	})), nil
}

func SetLevel(level string) error {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := levelVar.UnmarshalText([]byte(normalized)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	return nil
}

func Level() slog.Level {
	return levelVar.Level()
}
