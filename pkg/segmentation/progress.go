package segmentation

import (
	"log/slog"

	"footseg/internal/telemetry"
)

// ProgressFunc receives the overall completion percentage (0..100) and a
// human readable message.
type ProgressFunc func(percent int, message string)

// progress bands per state
const (
	pctTilingDone    = 5
	pctInferringDone = 90
	pctBlendingDone  = 94
	pctThresholdDone = 97
	pctDone          = 100
)

// progress forwards updates to the caller's callback. A panicking callback
// is logged and otherwise ignored.
type progress struct {
	fn     ProgressFunc
	logger *slog.Logger
}

func (p *progress) report(percent int, message string) {
	if p.fn == nil {
		return
	}
	telemetry.Guard(p.logger.With("percent", percent), "progress callback", func() {
		p.fn(percent, message)
	})
}

// band maps completed/total of a stage onto [lo, hi].
func (p *progress) band(lo, hi int) func(completed, total int, message string) {
	return func(completed, total int, message string) {
		pct := hi
		if total > 0 {
			pct = lo + (hi-lo)*completed/total
		}
		p.report(pct, message)
	}
}
