// Package server is the host surface of the preview engine: it serves the
// shell page, the object references and the JSON API, and relays between
// the browser and the engine over a websocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/a-h/templ"
	"github.com/klauspost/compress/gzhttp"

	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/interception"
	"github.com/conneroisu/livesite/internal/lifecycle"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/preview"
	"github.com/conneroisu/livesite/internal/version"
	"github.com/conneroisu/livesite/internal/vfs"
	"github.com/conneroisu/livesite/internal/watcher"
	"github.com/conneroisu/livesite/internal/websocket"
)

// RefPrefix is the path object references are served under.
const RefPrefix = "/ref/"

// overlayDebounce coalesces the raw notifications of one overlay save.
const overlayDebounce = 50 * time.Millisecond

// Options carries the collaborators a PreviewServer is built from.
type Options struct {
	Snapshot vfs.SnapshotSource
	// Overlay persists pending edits. Nil keeps them in memory only.
	Overlay *vfs.OverlayFile
	Logger  logging.Logger
}

// PreviewServer serves the live preview.
type PreviewServer struct {
	config  *config.Config
	engine  *preview.Engine
	edits   *vfs.OverlayStore
	overlay *vfs.OverlayFile
	ws      *websocket.Manager
	watcher *watcher.FileWatcher
	logger  logging.Logger
	handler http.Handler

	// editsMutex serializes edit mutations with their persistence.
	editsMutex sync.Mutex

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	addr         net.Addr
	shutdownOnce sync.Once
}

// New creates a preview server and its engine. Pending edits already in the
// overlay file are loaded.
func New(cfg *config.Config, opts Options) (*PreviewServer, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	s := &PreviewServer{
		config:  cfg,
		edits:   vfs.NewOverlayStore(),
		overlay: opts.Overlay,
		logger:  opts.Logger.WithComponent("server"),
	}

	if s.overlay != nil {
		edits, err := s.overlay.LoadOverlay(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading pending edits: %w", err)
		}
		s.edits.Replace(edits)
	}

	s.engine = preview.New(preview.Options{
		Snapshot: opts.Snapshot,
		Overlay:  s.edits,
		Runtime: interception.Options{
			Source:           cfg.Preview.ConsoleSource,
			RewriteResponses: cfg.Preview.RewriteResponses,
			StrictJSON:       cfg.Preview.StrictJSONRewrite,
			LocatorPrefix:    RefPrefix,
		},
		RestoreDelays: cfg.Preview.ScrollRestoreDelays,
		LoadWarnAfter: cfg.Preview.LoadWarnAfter,
		Logger:        opts.Logger,
		Notifier:      s,
		Sink:          s,
	})

	origins := websocket.NewAllowList(cfg.Server.Host, cfg.Server.Port, cfg.Server.AllowedOrigins)
	s.ws = websocket.NewManager(websocket.Options{
		Origins:   origins,
		OnMessage: s.handleSurfaceMessage,
		Welcome:   s.welcome,
		Logger:    opts.Logger,
	})

	s.handler = s.routes(origins)

	return s, nil
}

func (s *PreviewServer) routes(origins websocket.OriginValidator) http.Handler {
	api := http.NewServeMux()
	api.Handle("GET /{$}", templ.Handler(Shell(ShellProps{
		Title:   "livesite",
		Source:  s.engineSource(),
		Version: version.Get().Short(),
	})))
	api.HandleFunc("GET "+RefPrefix+"{id}", s.handleRef)
	api.HandleFunc("GET /api/resolve", s.handleResolve)
	api.HandleFunc("GET /api/generations", s.handleGenerations)
	api.HandleFunc("GET /api/edits", s.handleListEdits)
	api.HandleFunc("PUT /api/edits", s.handlePutEdit)
	api.HandleFunc("DELETE /api/edits", s.handleDeleteEdit)
	api.HandleFunc("GET /health", s.handleHealth)

	mux := http.NewServeMux()
	// Upgrades bypass compression.
	mux.HandleFunc("/ws", s.ws.HandleWebSocket)
	mux.Handle("/", gzhttp.GzipHandler(api))

	return LoggingMiddleware(s.logger)(SecurityMiddleware(origins, s.logger)(mux))
}

func (s *PreviewServer) engineSource() string {
	if s.config.Preview.ConsoleSource != "" {
		return s.config.Preview.ConsoleSource
	}
	return interception.DefaultSource
}

// Handler returns the server's HTTP handler.
func (s *PreviewServer) Handler() http.Handler {
	return s.handler
}

// Engine returns the preview engine.
func (s *PreviewServer) Engine() *preview.Engine {
	return s.engine
}

// Addr returns the listening address once Start has bound it.
func (s *PreviewServer) Addr() net.Addr {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	return s.addr
}

// Start renders the first generation, starts watching the overlay file and
// serves until Shutdown. A failed first render is reported and the server
// keeps running so later edits can fix it.
func (s *PreviewServer) Start(ctx context.Context) error {
	if _, err := s.engine.Regenerate(ctx); err != nil {
		s.logger.Warn(ctx, err, "Initial render failed")
	}

	if s.config.Site.Watch && s.overlay != nil {
		if err := s.setupFileWatcher(ctx); err != nil {
			s.logger.Warn(ctx, err, "Overlay watching disabled")
		}
	}

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr(), err)
	}

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr()
	server := s.httpServer
	s.serverMutex.Unlock()

	url := fmt.Sprintf("http://%s", ln.Addr())
	s.logger.Info(ctx, "Preview server listening", "url", url)

	if s.config.Server.Open {
		go s.openBrowser(url)
	}

	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *PreviewServer) setupFileWatcher(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(overlayDebounce, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	fw.AddFilter(watcher.NoTempFilter)
	fw.AddHandler(s.handleOverlayChange)

	if err := fw.WatchFile(s.overlay.Path); err != nil {
		_ = fw.Stop()
		return err
	}
	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		return err
	}

	s.watcher = fw
	return nil
}

// handleOverlayChange reloads the overlay file after an outside change and
// regenerates when the edit list actually differs, which filters out the
// server's own writes.
func (s *PreviewServer) handleOverlayChange(ctx context.Context, events []watcher.ChangeEvent) error {
	s.editsMutex.Lock()
	edits, err := s.overlay.LoadOverlay(ctx)
	if err != nil {
		s.editsMutex.Unlock()
		s.NotifyError(ctx, errors.NewIOError(errors.ErrCodeOverlayUnavailable, "failed to reload pending edits", err).WithPath(s.overlay.Path))
		return err
	}
	changed := !sameEdits(edits, s.edits.List())
	if changed {
		s.edits.Replace(edits)
	}
	s.editsMutex.Unlock()

	if !changed {
		return nil
	}

	s.logger.Info(ctx, "Pending edits changed on disk", "edits", len(edits), "events", len(events))
	_, err = s.engine.Regenerate(ctx)
	return err
}

func sameEdits(a, b []vfs.PendingEdit) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (s *PreviewServer) openBrowser(url string) {
	time.Sleep(100 * time.Millisecond)

	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}

	if err != nil {
		s.logger.Warn(context.Background(), err, "Failed to open browser", "url", url)
	}
}

// Publish implements preview.Sink.
func (s *PreviewServer) Publish(_ context.Context, r *preview.Rendering) {
	s.ws.Broadcast(generationMessage(r))
}

// RestoreScroll implements preview.Sink.
func (s *PreviewServer) RestoreScroll(_ context.Context, restore lifecycle.Restore) {
	delays := make([]int64, len(restore.Delays))
	for i, d := range restore.Delays {
		delays[i] = d.Milliseconds()
	}
	s.ws.Broadcast(websocket.UpdateMessage{
		Type:       websocket.TypeRestoreScroll,
		Generation: restore.Generation,
		X:          restore.Offset.X,
		Y:          restore.Offset.Y,
		Delays:     delays,
	})
}

// NotifyError implements errors.Notifier: every user-facing failure ends up
// as a notification on the host page.
func (s *PreviewServer) NotifyError(_ context.Context, err *errors.PreviewError) error {
	s.ws.Broadcast(websocket.UpdateMessage{
		Type:       websocket.TypeNotification,
		Generation: err.Generation,
		Level:      err.Severity.String(),
		Code:       err.Code,
		Message:    err.Error(),
	})
	return nil
}

func (s *PreviewServer) welcome() (websocket.UpdateMessage, bool) {
	r, ok := s.engine.Current()
	if !ok {
		return websocket.UpdateMessage{}, false
	}
	return generationMessage(r), true
}

func generationMessage(r *preview.Rendering) websocket.UpdateMessage {
	return websocket.UpdateMessage{
		Type:       websocket.TypeGeneration,
		Generation: r.Generation,
		Document:   r.Document.URL,
		EntryPoint: r.EntryPoint,
		Unresolved: r.Unresolved,
	}
}

// Shutdown stops serving, closes every connection and revokes every
// outstanding reference.
func (s *PreviewServer) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		if s.watcher != nil {
			_ = s.watcher.Stop()
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}

		if err := s.ws.Shutdown(ctx); err != nil && shutdownErr == nil {
			shutdownErr = err
		}

		s.engine.Close()
	})

	return shutdownErr
}
