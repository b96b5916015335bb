package tools

import (
	"context"
	"log/slog"
)

// Discoverer supplies tools found at runtime. Implementations may block
// and may fail.
type Discoverer interface {
	Tools(ctx context.Context) (Set, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context) (Set, error)

// Tools calls f.
func (f DiscovererFunc) Tools(ctx context.Context) (Set, error) { return f(ctx) }

// Merge combines the static set with whatever d discovers. Discovery
// failure is logged and the static set is used alone. On a name
// collision the static definition wins. Neither input is modified.
func Merge(ctx context.Context, logger *slog.Logger, static Set, d Discoverer) Set {
	if logger == nil {
		logger = slog.Default()
	}

	var dynamic Set
	if d != nil {
		var err error
		dynamic, err = d.Tools(ctx)
		if err != nil {
			logger.Warn("tool discovery unavailable, continuing with static tools",
				"error", err,
				"static", len(static),
			)
			dynamic = nil
		}
	}

	merged := make(Set, len(static)+len(dynamic))
	for name, def := range dynamic {
		if def != nil {
			merged[name] = def
		}
	}
	shadowed := 0
	for name, def := range static {
		if _, ok := merged[name]; ok {
			shadowed++
		}
		merged[name] = def
	}

	logger.Debug("tools merged",
		"static", len(static),
		"dynamic", len(dynamic),
		"shadowed", shadowed,
		"total", len(merged),
	)
	return merged
}
