// Package preview drives regeneration: it merges the snapshot with the
// pending edits, materializes the result as a new generation, assembles the
// bootstrap document and publishes it, and it relays surface signals to the
// lifecycle controller.
//
// Regenerations are serialized. Every call runs to completion; there is no
// debouncing and no cancellation of an earlier call.
package preview

import (
	"context"
	"sync"
	"time"

	"github.com/conneroisu/livesite/internal/assembler"
	"github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/interception"
	"github.com/conneroisu/livesite/internal/lifecycle"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/materializer"
	"github.com/conneroisu/livesite/internal/resolver"
	"github.com/conneroisu/livesite/internal/vfs"
)

// DocumentType is the media type of assembled documents.
const DocumentType = "text/html; charset=utf-8"

// Rendering is a published generation.
type Rendering struct {
	Generation  string
	Fingerprint string
	EntryPoint  string
	Document    lifecycle.ObjectReference
	HTML        string
	Set         *materializer.Set
	Payload     *interception.Payload
	Inlined     []string
	Unresolved  []string
	Warnings    []string
	CreatedAt   time.Time
}

// Sink receives what the engine pushes to the embedding host.
type Sink interface {
	Publish(ctx context.Context, r *Rendering)
	RestoreScroll(ctx context.Context, restore lifecycle.Restore)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(context.Context, *Rendering)              {}
func (NopSink) RestoreScroll(context.Context, lifecycle.Restore) {}

// Options configures an Engine.
type Options struct {
	Snapshot vfs.SnapshotSource
	Overlay  vfs.OverlaySource
	Runtime  interception.Options
	// RestoreDelays and LoadWarnAfter tune the lifecycle controller.
	RestoreDelays []time.Duration
	LoadWarnAfter time.Duration
	Logger        logging.Logger
	Notifier      errors.Notifier
	Sink          Sink
}

// Engine is the live preview engine.
type Engine struct {
	regen sync.Mutex

	snapshotSrc vfs.SnapshotSource
	overlay     vfs.OverlaySource
	runtime     interception.Options

	controller *lifecycle.Controller
	logger     logging.Logger
	surfaceLog logging.Logger
	errs       *errors.ErrorHandler
	sink       Sink

	snapshotOnce sync.Once
	snapshot     vfs.Snapshot
	snapshotErr  error

	mu      sync.RWMutex
	current *Rendering
}

// New creates an engine. The snapshot is loaded on the first regeneration.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Overlay == nil {
		opts.Overlay = vfs.NewOverlayStore()
	}
	if opts.Runtime.Source == "" {
		opts.Runtime.Source = interception.DefaultSource
	}
	if opts.Runtime.LocatorPrefix == "" {
		opts.Runtime.LocatorPrefix = "/ref/"
	}

	e := &Engine{
		snapshotSrc: opts.Snapshot,
		overlay:     opts.Overlay,
		runtime:     opts.Runtime,
		logger:      opts.Logger.WithComponent("engine"),
		surfaceLog:  opts.Logger.WithComponent("surface"),
		errs:        errors.NewErrorHandler(opts.Logger.WithComponent("engine"), opts.Notifier),
		sink:        opts.Sink,
	}
	e.controller = lifecycle.NewController(lifecycle.Options{
		BasePath:         opts.Runtime.LocatorPrefix,
		RestoreDelays:    opts.RestoreDelays,
		LoadWarnAfter:    opts.LoadWarnAfter,
		OnSurfaceFailure: e.surfaceFailed,
	})

	return e
}

// Controller returns the lifecycle controller that owns every reference.
func (e *Engine) Controller() *lifecycle.Controller {
	return e.controller
}

// Current returns the most recently published rendering.
func (e *Engine) Current() (*Rendering, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current, e.current != nil
}

// Regenerate builds and publishes a new generation from the snapshot and
// the current pending edits. On failure the previous rendering stays
// current and the error is reported through the notifier.
func (e *Engine) Regenerate(ctx context.Context) (*Rendering, error) {
	e.regen.Lock()
	defer e.regen.Unlock()

	op := logging.StartOperation(e.logger, "regenerate")

	r, err := e.regenerate(ctx)
	if err != nil {
		op.EndWithError(ctx, err)
		e.errs.Handle(ctx, err)
		return nil, err
	}

	e.mu.Lock()
	e.current = r
	e.mu.Unlock()

	e.sink.Publish(ctx, r)
	op.End(ctx, "generation", r.Generation, "files", r.Set.Len(), "inlined", len(r.Inlined))

	return r, nil
}

func (e *Engine) regenerate(ctx context.Context) (*Rendering, error) {
	snapshot, err := e.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	edits, err := e.overlay.LoadOverlay(ctx)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeOverlayUnavailable, "failed to load pending edits", err)
	}

	fs, mergeErrs := vfs.Merge(snapshot, edits)
	warnings := make([]string, 0, len(mergeErrs))
	for _, merr := range mergeErrs {
		e.errs.Handle(ctx, merr)
		warnings = append(warnings, merr.Error())
	}

	// A missing entry point must not disturb the visible generation.
	if _, err := assembler.FindEntryPoint(fs); err != nil {
		return nil, err
	}

	genID, err := e.controller.Begin(fs.Fingerprint())
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "cannot start generation", err)
	}

	r, err := e.build(ctx, genID, fs)
	if err != nil {
		e.controller.Abort(genID)
		return nil, err
	}
	r.Warnings = warnings

	return r, nil
}

func (e *Engine) build(ctx context.Context, genID string, fs *vfs.VFS) (*Rendering, error) {
	set, err := materializer.Materialize(fs, e.controller.Creator(genID))
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "materialization failed", err).WithGeneration(genID)
	}

	payload := interception.BuildPayload(genID, set, e.runtime)
	script, err := interception.Script(payload)
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "runtime script failed", err).WithGeneration(genID)
	}

	doc, err := assembler.Assemble(fs, set, script)
	if err != nil {
		return nil, err
	}
	for _, ref := range doc.Unresolved {
		e.errs.Handle(ctx, errors.ErrUnresolvedReference(ref).WithGeneration(genID))
	}

	docRef, err := e.controller.Create(genID, []byte(doc.HTML), DocumentType)
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "document reference failed", err).WithGeneration(genID)
	}
	if err := e.controller.SetDocument(genID, docRef); err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "document reference failed", err).WithGeneration(genID)
	}

	return &Rendering{
		Generation:  genID,
		Fingerprint: fs.Fingerprint(),
		EntryPoint:  doc.EntryPoint,
		Document:    docRef,
		HTML:        doc.HTML,
		Set:         set,
		Payload:     payload,
		Inlined:     doc.Inlined,
		Unresolved:  doc.Unresolved,
		CreatedAt:   time.Now(),
	}, nil
}

// loadSnapshot loads the snapshot once. A failure is remembered and not
// retried.
func (e *Engine) loadSnapshot(ctx context.Context) (vfs.Snapshot, error) {
	e.snapshotOnce.Do(func() {
		if e.snapshotSrc == nil {
			e.snapshot = vfs.Snapshot{}
			return
		}
		snap, err := e.snapshotSrc.LoadSnapshot(ctx)
		if err != nil {
			e.snapshotErr = errors.NewIOError(errors.ErrCodeSnapshotUnavailable, "failed to load repository snapshot", err)
			return
		}
		e.snapshot = snap
		e.logger.Info(ctx, "Snapshot loaded", "files", len(snap))
	})
	return e.snapshot, e.snapshotErr
}

// Resolve reports how ref resolves against the current rendering.
func (e *Engine) Resolve(ref string) ResolvedReference {
	out := ResolvedReference{OriginalRef: ref}

	r, ok := e.Current()
	if !ok {
		return out
	}

	path, ok := resolver.Resolve(ref, r.Set.VFS())
	if !ok {
		return out
	}
	out.ResolvedPath = &path
	if loc, ok := r.Set.Locate(path); ok {
		out.Locator = &loc
	}
	return out
}

// ResolvedReference is the outcome of resolving one reference.
type ResolvedReference struct {
	OriginalRef  string  `json:"originalRef"`
	ResolvedPath *string `json:"resolvedPath"`
	Locator      *string `json:"locator"`
}

func (e *Engine) surfaceFailed(generation string) {
	e.errs.Handle(context.Background(), errors.ErrSurfaceCommunication(generation))
}

// Close revokes every outstanding reference.
func (e *Engine) Close() {
	e.regen.Lock()
	defer e.regen.Unlock()

	e.controller.Close()

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}
