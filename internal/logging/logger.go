package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/earthapp/mantle/internal/config"
	"golang.org/x/time/rate"
)

// New shapes slog so every component logs through the same handler and level.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	logger := slog.New(handler).With(slog.String("component", "mantle"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}

// Throttled emits each distinct message at most once per interval. Store
// outages produce one failure per request; this keeps the log readable while
// they last without letting one message hide another.
type Throttled struct {
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	messages map[string]*rate.Sometimes
}

// NewThrottled wraps logger. A non-positive interval logs every call.
func NewThrottled(logger *slog.Logger, interval time.Duration) *Throttled {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Throttled{logger: logger, interval: interval, messages: make(map[string]*rate.Sometimes)}
}

func (t *Throttled) limiter(msg string) *rate.Sometimes {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.messages[msg]
	if !ok {
		if t.interval > 0 {
			s = &rate.Sometimes{First: 1, Interval: t.interval}
		} else {
			s = &rate.Sometimes{Every: 1}
		}
		t.messages[msg] = s
	}
	return s
}

func (t *Throttled) Warn(msg string, args ...any) {
	t.limiter(msg).Do(func() {
		t.logger.Warn(msg, args...)
	})
}
