package util

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NewLogger builds the logger shared by all kernel modules. Unknown level
// names fall back to info.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableSorting:   false,
		QuoteEmptyFields: true,
	})

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
		logger.SetLevel(lvl)
		logger.Warnf("unknown log level %q, using %s", level, lvl)
		return logger
	}
	logger.SetLevel(lvl)

	return logger
}

// Discard returns a logger that drops every entry.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

// RateLimitedLogger forwards to a logger no more than once per interval.
type RateLimitedLogger struct {
	logger logrus.FieldLogger
	limit  *rate.Limiter
}

// RateLimited returns a RateLimitedLogger that writes to logger at most once
// every interval. A zero interval disables the limit.
func RateLimited(logger logrus.FieldLogger, every time.Duration) *RateLimitedLogger {
	limit := rate.NewLimiter(rate.Inf, 1)
	if every > 0 {
		limit = rate.NewLimiter(rate.Every(every), 1)
	}
	return &RateLimitedLogger{
		logger: OrDiscard(logger),
		limit:  limit,
	}
}

func (rl *RateLimitedLogger) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *RateLimitedLogger) Warnf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warnf(format, v...)
	}
}

// ParseDuration parses s, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
