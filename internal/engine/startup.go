package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnavailable means the inference backend did not answer its health check.
var ErrUnavailable = errors.New("inference engine unavailable")

// Models names the generation and embedding models a deployment uses.
type Models struct {
	Chat  string
	Embed string
}

func (m Models) distinct() []string {
	var out []string
	for _, name := range []string{m.Chat, m.Embed} {
		if name != "" && (len(out) == 0 || out[0] != name) {
			out = append(out, name)
		}
	}
	return out
}

// EnsureReady fails with ErrUnavailable when e is down. Backends that host
// their own weights (ModelManager) get any missing model pulled first.
func EnsureReady(ctx context.Context, e Engine, models Models, logger *slog.Logger) error {
	if !e.IsRunning(ctx) {
		return ErrUnavailable
	}
	mm, ok := e.(ModelManager)
	if !ok {
		return nil
	}
	for _, name := range models.distinct() {
		if mm.HasModel(ctx, name) {
			continue
		}
		logger.Info("pulling model", "model", name)
		if err := mm.PullModel(ctx, name, pullReporter(logger, name)); err != nil {
			return fmt.Errorf("pull %s: %w", name, err)
		}
		logger.Info("model ready", "model", name)
	}
	return nil
}

// pullReporter logs a status change or every further ten percent, whichever
// comes first, so multi-gigabyte pulls do not flood the log.
func pullReporter(logger *slog.Logger, model string) func(PullProgress) {
	var lastStatus string
	lastDecile := int64(-1)
	return func(p PullProgress) {
		decile := int64(-1)
		if p.Total > 0 {
			decile = p.Completed * 10 / p.Total
		}
		if p.Status == lastStatus && decile == lastDecile {
			return
		}
		lastStatus, lastDecile = p.Status, decile
		if decile >= 0 {
			logger.Info("pull progress", "model", model, "status", p.Status, "percent", decile*10)
		} else {
			logger.Info("pull progress", "model", model, "status", p.Status)
		}
	}
}
