package telemetry

import (
	"log/slog"
)

// Guard calls fn and logs a panic raised by it as a warning instead of
// letting it unwind the caller. A nil logger means slog.Default. It reports
// whether fn panicked.
func Guard(logger *slog.Logger, what string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn(what+" panicked", "panic", r)
			panicked = true
		}
	}()
	fn()
	return false
}
