package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/server"
	"github.com/conneroisu/livesite/internal/vfs"
	ws "github.com/conneroisu/livesite/internal/websocket"
)

const testOrigin = "http://editor.test"

type liveServer struct {
	srv     *server.PreviewServer
	base    string
	overlay string
}

func startServer(t *testing.T) *liveServer {
	t.Helper()

	dir := t.TempDir()
	site := filepath.Join(dir, "site")
	require.NoError(t, os.MkdirAll(filepath.Join(site, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(site, "index.html"),
		[]byte(`<html><head><link rel="stylesheet" href="css/site.css"></head><body><h1>Hello</h1></body></html>`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(site, "css", "site.css"), []byte(`h1 { color: red; }`), 0o644))

	overlay := filepath.Join(dir, "edits.yml")

	v := viper.New()
	v.Set("server.port", 0)
	v.Set("server.allowed_origins", []string{testOrigin})
	v.Set("site.root", site)
	v.Set("site.overlay", overlay)
	v.Set("site.watch", true)
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)

	fs := afero.NewOsFs()
	srv, err := server.New(cfg, server.Options{
		Snapshot: vfs.NewDirSnapshot(site, cfg.Site.Ignore),
		Overlay:  &vfs.OverlayFile{Fs: fs, Path: overlay},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Errorf("Server start failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
		cancel()
	})

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	return &liveServer{srv: srv, base: "http://" + srv.Addr().String(), overlay: overlay}
}

func (l *liveServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(l.base, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{testOrigin}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// next reads messages until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) ws.UpdateMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var msg ws.UpdateMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func putEdit(t *testing.T, base, path, content string) {
	t.Helper()

	body, err := json.Marshal(vfs.PendingEdit{
		RepoPath: path,
		Content:  base64.StdEncoding.EncodeToString([]byte(content)),
		FileName: filepath.Base(path),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, base+"/api/edits", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", testOrigin)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegration_ServerStartStop(t *testing.T) {
	l := startServer(t)

	status, body := get(t, l.base+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `<iframe id="preview"`)

	status, body = get(t, l.base+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)
}

func TestIntegration_EditRegeneratesAndRestoresScroll(t *testing.T) {
	l := startServer(t)
	conn := l.dial(t)

	first := next(t, conn, ws.TypeGeneration)
	require.NotEmpty(t, first.Document)

	status, body := get(t, l.base+first.Document)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "color: red")

	send(t, conn, map[string]interface{}{"type": "attached", "generation": first.Generation})
	send(t, conn, map[string]interface{}{"type": "loaded", "generation": first.Generation})
	send(t, conn, map[string]interface{}{"type": "scroll", "generation": first.Generation, "x": 0, "y": 480})
	// Frames are handled asynchronously.
	time.Sleep(100 * time.Millisecond)

	putEdit(t, l.base, "css/site.css", "h1 { color: blue; }")

	second := next(t, conn, ws.TypeGeneration)
	require.NotEqual(t, first.Generation, second.Generation)

	status, body = get(t, l.base+second.Document)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "color: blue")

	send(t, conn, map[string]interface{}{"type": "attached", "generation": second.Generation})
	send(t, conn, map[string]interface{}{"type": "loaded", "generation": second.Generation})

	restore := next(t, conn, ws.TypeRestoreScroll)
	assert.Equal(t, second.Generation, restore.Generation)
	assert.Equal(t, float64(480), restore.Y)
	assert.Len(t, restore.Delays, len(config.DefaultScrollRestoreDelays))

	require.Eventually(t, func() bool {
		status, _ := get(t, l.base+first.Document)
		return status == http.StatusGone
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIntegration_OverlayFileChange(t *testing.T) {
	l := startServer(t)
	conn := l.dial(t)

	first := next(t, conn, ws.TypeGeneration)

	overlay := &vfs.OverlayFile{Fs: afero.NewOsFs(), Path: l.overlay}
	require.NoError(t, overlay.Save([]vfs.PendingEdit{{
		RepoPath: "index.html",
		Content:  base64.StdEncoding.EncodeToString([]byte("<h1>From the editor</h1>")),
		FileName: "index.html",
	}}))

	second := next(t, conn, ws.TypeGeneration)
	require.NotEqual(t, first.Generation, second.Generation)

	status, body := get(t, l.base+second.Document)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "From the editor")
}

func TestIntegration_WebSocketRejectsForeignOrigin(t *testing.T) {
	l := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(l.base, "http://", "ws://", 1) + "/ws"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.test"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
