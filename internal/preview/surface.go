package preview

import (
	"context"
	"strings"

	"github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/lifecycle"
)

// Surface event types relayed by the embedding host.
const (
	EventAttached   = "attached"
	EventLoaded     = "loaded"
	EventScroll     = "scroll"
	EventConsole    = "console"
	EventUnresolved = "unresolved"
)

// SurfaceEvent is a message from the embedding host about the rendering
// surface. Delivery is at-most-once and unordered, so handling is idempotent.
type SurfaceEvent struct {
	Type       string   `json:"type"`
	Generation string   `json:"generation"`
	Source     string   `json:"source,omitempty"`
	Level      string   `json:"level,omitempty"`
	Args       []string `json:"args,omitempty"`
	X          float64  `json:"x,omitempty"`
	Y          float64  `json:"y,omitempty"`
	Ref        string   `json:"ref,omitempty"`
}

// HandleSurface applies one surface event.
func (e *Engine) HandleSurface(ctx context.Context, ev SurfaceEvent) {
	switch ev.Type {
	case EventAttached:
		if e.controller.Attach(ev.Generation) {
			e.logger.Debug(ctx, "Surface attached", "generation", ev.Generation)
		}

	case EventLoaded:
		restore, ok := e.controller.Loaded(ev.Generation)
		e.logger.Debug(ctx, "Surface loaded", "generation", ev.Generation)
		if ok {
			e.sink.RestoreScroll(ctx, restore)
		}

	case EventScroll:
		e.controller.ReportScroll(ev.Generation, lifecycle.ScrollOffset{X: ev.X, Y: ev.Y})

	case EventConsole:
		e.logConsole(ctx, ev)

	case EventUnresolved:
		if ev.Ref != "" {
			e.errs.Handle(ctx, errors.ErrUnresolvedReference(ev.Ref).WithGeneration(ev.Generation))
		}

	default:
		e.logger.Debug(ctx, "Ignoring surface event", "type", ev.Type)
	}
}

// logConsole writes a forwarded console call. Messages carrying a foreign
// source tag are dropped.
func (e *Engine) logConsole(ctx context.Context, ev SurfaceEvent) {
	if ev.Source != e.runtime.Source {
		return
	}

	msg := strings.Join(ev.Args, " ")
	fields := []interface{}{"generation", ev.Generation}

	switch ev.Level {
	case "error":
		e.surfaceLog.Error(ctx, nil, msg, fields...)
	case "warn":
		e.surfaceLog.Warn(ctx, nil, msg, fields...)
	case "info":
		e.surfaceLog.Info(ctx, msg, fields...)
	default:
		e.surfaceLog.Debug(ctx, msg, fields...)
	}
}
