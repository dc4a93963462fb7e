package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/earthapp/mantle/internal/runtime/pipeline"
)

type instrumentedAgent struct {
	inner  pipeline.Agent
	logger *slog.Logger
}

func (a *instrumentedAgent) Name() string { return a.inner.Name() }

func (a *instrumentedAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if !a.logger.Enabled(ctx, slog.LevelDebug) {
		return a.inner.Execute(ctx, r, state)
	}
	start := time.Now()
	result := a.inner.Execute(ctx, r, state)
	duration := time.Since(start)

	attrs := []slog.Attr{
		slog.String("status", result.Status),
		slog.String("phase", state.Phase().String()),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if state.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", state.CorrelationID))
	}
	if state.Route != "" {
		attrs = append(attrs, slog.String("route", state.Route))
	}
	if result.Details != "" {
		attrs = append(attrs, slog.String("details", result.Details))
	}
	if len(result.Meta) > 0 {
		attrs = append(attrs, slog.Any("meta", result.Meta))
	}

	a.logger.LogAttrs(ctx, slog.LevelDebug, "agent executed", attrs...)
	return result
}

func (c *Coordinator) instrumentAgents(agents []pipeline.Agent) []pipeline.Agent {
	wrapped := make([]pipeline.Agent, 0, len(agents))
	for _, ag := range agents {
		if ag == nil {
			continue
		}
		logger := c.logger.With(slog.String("stage", ag.Name()))
		wrapped = append(wrapped, &instrumentedAgent{inner: ag, logger: logger})
	}
	return wrapped
}
