package server

import (
	"context"
	"io"
	"strings"

	"github.com/a-h/templ"
)

// ShellProps configures the host page.
type ShellProps struct {
	Title   string
	Source  string
	Version string
}

// Shell renders the host page: a sandboxed frame for the rendering surface
// and the script that relays between the frame and the /ws channel.
//
// The frame gets allow-scripts but not allow-same-origin, so the surface
// runs on an opaque origin.
func Shell(props ShellProps) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder

		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		b.WriteString(`<title>`)
		b.WriteString(templ.EscapeString(props.Title))
		b.WriteString(`</title><style>`)
		b.WriteString(shellCSS)
		b.WriteString(`</style></head>`)

		b.WriteString(`<body data-source="`)
		b.WriteString(templ.EscapeString(props.Source))
		b.WriteString(`">`)
		b.WriteString(`<header><span class="brand">`)
		b.WriteString(templ.EscapeString(props.Title))
		b.WriteString(`</span><span id="status" class="status">connecting</span>`)
		b.WriteString(`<span class="version">`)
		b.WriteString(templ.EscapeString(props.Version))
		b.WriteString(`</span></header>`)
		b.WriteString(`<div id="notifications" aria-live="polite"></div>`)
		b.WriteString(`<iframe id="preview" title="Preview" sandbox="allow-scripts"></iframe>`)
		b.WriteString(`<script>`)
		b.WriteString(hostJS)
		b.WriteString(`</script></body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}

const shellCSS = `
html, body { margin: 0; height: 100%; font-family: system-ui, sans-serif; }
body { display: flex; flex-direction: column; }
header { display: flex; gap: 1rem; align-items: center; padding: .4rem .8rem; background: #1f2328; color: #e6edf3; font-size: 13px; }
header .brand { font-weight: 600; }
header .version { margin-left: auto; opacity: .6; }
.status { padding: 0 .5rem; border-radius: 3px; background: #6e7681; }
.status.live { background: #238636; }
.status.down { background: #da3633; }
#preview { flex: 1; width: 100%; border: 0; background: #fff; }
#notifications { position: fixed; right: 1rem; bottom: 1rem; display: flex; flex-direction: column; gap: .5rem; z-index: 10; }
.note { max-width: 28rem; padding: .6rem .8rem; border-radius: 4px; color: #fff; background: #9a6700; font-size: 13px; box-shadow: 0 2px 8px rgba(0,0,0,.3); }
.note.error { background: #cf222e; }
`

const hostJS = `
(function () {
  "use strict";
  var frame = document.getElementById("preview");
  var statusEl = document.getElementById("status");
  var notes = document.getElementById("notifications");
  var source = document.body.getAttribute("data-source");
  var ws = null;
  var current = null;

  function setStatus(text, cls) {
    statusEl.textContent = text;
    statusEl.className = "status " + (cls || "");
  }

  function send(msg) {
    if (ws && ws.readyState === WebSocket.OPEN) { ws.send(JSON.stringify(msg)); }
  }

  function show(m) {
    if (!m.document || current === m.generation) { return; }
    current = m.generation;
    frame.setAttribute("data-generation", m.generation);
    frame.src = m.document;
    send({ type: "attached", generation: m.generation });
  }

  function restore(m) {
    if (m.generation !== current) { return; }
    (m.delays && m.delays.length ? m.delays : [0]).forEach(function (ms) {
      setTimeout(function () {
        if (frame.getAttribute("data-generation") !== m.generation || !frame.contentWindow) { return; }
        frame.contentWindow.postMessage({ source: source, kind: "restore_scroll", x: m.x || 0, y: m.y || 0 }, "*");
      }, ms);
    });
  }

  function notify(m) {
    var el = document.createElement("div");
    el.className = "note " + (m.level || "");
    el.textContent = (m.code ? m.code + ": " : "") + (m.message || "");
    notes.appendChild(el);
    setTimeout(function () { if (el.parentNode) { el.parentNode.removeChild(el); } }, 8000);
  }

  frame.addEventListener("load", function () {
    var g = frame.getAttribute("data-generation");
    if (g) { send({ type: "loaded", generation: g }); }
  });

  window.addEventListener("message", function (ev) {
    if (ev.source !== frame.contentWindow) { return; }
    var d = ev.data;
    if (!d || typeof d !== "object") { return; }
    if (d.kind === "scroll" && d.source === source) {
      send({ type: "scroll", generation: d.generation, source: d.source, x: d.x, y: d.y });
    } else if (d.kind === "unresolved" && d.source === source) {
      send({ type: "unresolved", generation: d.generation, source: d.source, ref: d.ref });
    } else if (d.level) {
      send({ type: "console", generation: d.generation, source: d.source, level: d.level, args: d.args });
    }
  });

  function connect() {
    var proto = location.protocol === "https:" ? "wss:" : "ws:";
    ws = new WebSocket(proto + "//" + location.host + "/ws");
    ws.onopen = function () { setStatus("live", "live"); };
    ws.onmessage = function (ev) {
      var m;
      try { m = JSON.parse(ev.data); } catch (e) { return; }
      if (m.type === "generation") { show(m); }
      else if (m.type === "restore_scroll") { restore(m); }
      else if (m.type === "notification") { notify(m); }
    };
    ws.onclose = function () {
      setStatus("disconnected", "down");
      setTimeout(connect, 1000);
    };
  }

  connect();
})();
`
