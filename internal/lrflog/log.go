// Package lrflog wires go.uber.org/zap into the engine and implements
// per-region, per-error-kind flood suppression for error reporting: each
// error class is logged at most once per region per 60 seconds.
package lrflog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// New builds a production zap logger. Callers embedding the engine in a
// CLI or service should build their own logger and pass it down instead;
// this constructor exists for standalone use (tests, the cmd/ binary).
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Suppressor rate-limits repeated error logs for the same (region, kind)
// pair so a single misbehaving region can't flood the log during sustained
// failures.
type Suppressor struct {
	logger *zap.Logger
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewSuppressor wraps logger with a 60s-per-(region,kind) suppression
// window,
func NewSuppressor(logger *zap.Logger) *Suppressor {
	return &Suppressor{
		logger: logger,
		window: 60 * time.Second,
		last:   make(map[string]time.Time),
	}
}

// Error logs err for region/kind at most once per window, with the given
// structured fields attached every time it does log (offsets/coordinates
// for forensic analysis).
func (s *Suppressor) Error(region, kind string, err error, fields ...zap.Field) {
	key := region + "\x00" + kind

	s.mu.Lock()
	now := time.Now()
	prev, ok := s.last[key]
	suppressed := ok && now.Sub(prev) < s.window
	if !suppressed {
		s.last[key] = now
	}
	s.mu.Unlock()

	if suppressed {
		return
	}

	all := append([]zap.Field{zap.String("region", region), zap.String("kind", kind), zap.Error(err)}, fields...)
	s.logger.Error("region engine error", all...)
}
