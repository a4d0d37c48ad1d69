package interception

import (
	"fmt"
	"strings"
)

// payloadToken is replaced by the JSON payload.
const payloadToken = "__LIVESITE_PAYLOAD__"

// Script returns the runtime JavaScript for a payload, ready to be placed in
// an inline script element.
func Script(p *Payload) (string, error) {
	data, err := p.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding runtime payload: %w", err)
	}
	return strings.Replace(runtimeJS, payloadToken, string(data), 1), nil
}

// runtimeJS is the interception runtime. Every patched primitive goes through
// provider.resolve, which mirrors the server-side resolver over the baked-in
// lookup table.
const runtimeJS = `(function () {
  "use strict";
  if (window.__livesiteRuntime) { return; }
  var P = __LIVESITE_PAYLOAD__;
  window.__livesiteRuntime = { generation: P.generation };

  var files = P.files || {};
  var keys = P.keys || [];
  var hasOwn = Object.prototype.hasOwnProperty;
  var reported = {};

  function trim(s) { return s.replace(/^\s+|\s+$/g, ""); }

  function post(msg) {
    try { window.parent.postMessage(msg, "*"); } catch (e) { /* host gone */ }
  }

  function isAbsolute(ref) {
    var r = trim(String(ref)).toLowerCase();
    return r.indexOf("http://") === 0 || r.indexOf("https://") === 0 ||
      r.indexOf("data:") === 0 || r.indexOf("blob:") === 0 || r.indexOf("//") === 0;
  }

  function normalize(ref) {
    var i = ref.search(/[?#]/);
    if (i >= 0) { ref = ref.slice(0, i); }
    if (ref.indexOf("./") === 0) { return ref.slice(2); }
    if (ref.charAt(0) === "/") { return ref.slice(1); }
    return ref;
  }

  function resolvePath(ref) {
    var clean = normalize(ref);
    if (clean === "") { return null; }
    var candidates = [clean, "./" + clean, "/" + clean];
    for (var i = 0; i < candidates.length; i++) {
      if (hasOwn.call(files, candidates[i])) { return candidates[i]; }
    }
    var name = clean.slice(clean.lastIndexOf("/") + 1);
    if (name === "") { return null; }
    var suffix = "/" + name;
    for (var j = 0; j < keys.length; j++) {
      var k = keys[j];
      if (k === name || (k.length >= suffix.length && k.slice(-suffix.length) === suffix)) { return k; }
    }
    return null;
  }

  function reportMiss(ref) {
    if (hasOwn.call(reported, ref) || (P.locatorPrefix && ref.indexOf(P.locatorPrefix) === 0)) { return; }
    reported[ref] = true;
    post({ source: P.source, generation: P.generation, kind: "unresolved", ref: ref });
  }

  var provider = {
    resolve: function (ref) {
      if (typeof ref !== "string" || ref === "" || isAbsolute(ref)) { return null; }
      var path = resolvePath(ref);
      if (path === null) {
        reportMiss(ref);
        return null;
      }
      var f = files[path];
      return { originalRef: ref, path: path, type: f.type, url: f.url, data: f.data, body: f.body, text: !!f.text };
    }
  };
  window.__livesiteRuntime.provider = provider;

  function rewrite(ref, preferData) {
    var hit = provider.resolve(ref);
    if (!hit) { return ref; }
    if (preferData && hit.data) { return hit.data; }
    return hit.url || hit.path;
  }

  function rewriteSrcset(value) {
    if (typeof value !== "string" || trim(value) === "") { return value; }
    var out = [];
    var parts = value.split(",");
    for (var i = 0; i < parts.length; i++) {
      var c = trim(parts[i]);
      if (c === "") { continue; }
      var m = c.match(/^(\S+)(?:\s+([\s\S]*))?$/);
      var url = rewrite(m[1], false);
      var descriptor = m[2] ? trim(m[2]) : "";
      out.push(descriptor ? url + " " + descriptor : url);
    }
    return out.join(", ");
  }

  var cssURL = /url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s]*))\s*\)/gi;

  function rewriteCss(text) {
    if (typeof text !== "string" || text.toLowerCase().indexOf("url(") < 0) { return text; }
    return text.replace(cssURL, function (match, dq, sq, bare) {
      var quote = dq !== undefined ? "\"" : (sq !== undefined ? "'" : "");
      var ref = dq !== undefined ? dq : (sq !== undefined ? sq : bare);
      if (!ref || isAbsolute(ref)) { return match; }
      var out = rewrite(ref, false);
      if (out === ref) { return match; }
      return "url(" + quote + out + quote + ")";
    });
  }

  // console forwarding
  function serialize(arg) {
    if (typeof arg === "string") { return arg; }
    if (arg instanceof Error) { return arg.stack || String(arg); }
    try {
      var s = JSON.stringify(arg);
      if (s !== undefined) { return s; }
    } catch (e) { /* cyclic */ }
    try { return String(arg); } catch (e2) { return "[unserializable]"; }
  }

  ["log", "info", "warn", "error"].forEach(function (level) {
    var original = console[level];
    console[level] = function () {
      var args = Array.prototype.slice.call(arguments);
      post({ source: P.source, generation: P.generation, level: level, args: args.map(serialize) });
      if (original) { return original.apply(console, arguments); }
    };
  });

  window.addEventListener("error", function (ev) {
    var where = ev.filename ? " (" + ev.filename + ":" + ev.lineno + ")" : "";
    post({ source: P.source, generation: P.generation, level: "error", args: [String(ev.message) + where] });
  });
  window.addEventListener("unhandledrejection", function (ev) {
    post({ source: P.source, generation: P.generation, level: "error", args: ["unhandled rejection: " + serialize(ev.reason)] });
  });

  // fetch
  var href = String(location.href);
  var docBase = href.replace(/[?#][\s\S]*$/, "").replace(/[^\/]*$/, "");
  var origin = (href.match(/^[a-z][a-z0-9+.\-]*:\/\/[^\/]+/i) || [""])[0];

  function requestRef(input) {
    var url = input && typeof input === "object" && input.url !== undefined ? String(input.url) : String(input);
    if (docBase && url.indexOf(docBase) === 0) { return url.slice(docBase.length); }
    if (origin && url.indexOf(origin + "/") === 0) { return url.slice(origin.length); }
    return url;
  }

  function contentType(hit) {
    return hit.text ? hit.type + "; charset=utf-8" : hit.type;
  }

  function substitute(body) {
    var subs = P.substitutions || [];
    for (var i = 0; i < subs.length; i++) {
      if (body.indexOf(subs[i].from) >= 0) { body = body.split(subs[i].from).join(subs[i].to); }
    }
    return body;
  }

  function rewriteJSON(body) {
    var doc;
    try { doc = JSON.parse(body); } catch (e) { return substitute(body); }
    var variants = P.variants || {};
    var changed = false;
    function walk(v) {
      if (typeof v === "string") {
        if (hasOwn.call(variants, v)) { changed = true; return variants[v]; }
        return v;
      }
      if (Array.isArray(v)) {
        for (var i = 0; i < v.length; i++) { v[i] = walk(v[i]); }
        return v;
      }
      if (v && typeof v === "object") {
        for (var k in v) { if (hasOwn.call(v, k)) { v[k] = walk(v[k]); } }
      }
      return v;
    }
    doc = walk(doc);
    return changed ? JSON.stringify(doc) : body;
  }

  function rewriteResponse(res) {
    if (!P.rewriteResponses || !res || res.type === "opaque") { return res; }
    var ct = (res.headers.get("Content-Type") || "").toLowerCase();
    var json = ct.indexOf("json") >= 0;
    if (!json && ct.indexOf("text/") !== 0) { return res; }
    return res.clone().text().then(function (body) {
      var out = json && P.strictJson ? rewriteJSON(body) : substitute(body);
      if (out === body) { return res; }
      var headers = new Headers(res.headers);
      headers.delete("Content-Length");
      headers.delete("Content-Encoding");
      return new Response(out, { status: res.status, statusText: res.statusText, headers: headers });
    }, function () { return res; });
  }

  var realFetch = window.fetch;
  if (realFetch) {
    var synthesize = function (hit) {
      var init = { status: 200, statusText: "OK", headers: { "Content-Type": contentType(hit) } };
      if (hit.text) { return new Response(hit.body || "", init); }
      return realFetch.call(window, hit.data || hit.url).then(function (r) {
        return r.blob();
      }).then(function (blob) {
        return new Response(blob, init);
      });
    };
    window.fetch = function (input, init) {
      var ref = requestRef(input);
      var hit = provider.resolve(ref);
      if (hit) {
        return Promise.resolve().then(function () { return synthesize(hit); });
      }
      return realFetch.apply(window, arguments).then(rewriteResponse);
    };
  }

  // XMLHttpRequest
  if (window.XMLHttpRequest) {
    var realOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function (method, url) {
      var args = Array.prototype.slice.call(arguments);
      var ref = requestRef(url);
      var out = rewrite(ref, false);
      if (out !== ref) { args[1] = out; }
      return realOpen.apply(this, args);
    };
  }

  function tagOf(el) { return el && el.tagName ? String(el.tagName).toLowerCase() : ""; }

  // attribute writes
  var realSetAttribute = Element.prototype.setAttribute;
  Element.prototype.setAttribute = function (name, value) {
    var n = String(name).toLowerCase();
    var v = value;
    if (typeof value === "string") {
      var tag = tagOf(this);
      if (n === "src" || n === "href") {
        v = rewrite(value, n === "src" && tag === "img");
      } else if (n === "srcset" && (tag === "img" || tag === "source")) {
        v = rewriteSrcset(value);
      } else if (n === "style") {
        v = rewriteCss(value);
      }
    }
    return realSetAttribute.call(this, name, v);
  };

  // property setters
  function protoOf(name) {
    return window[name] && window[name].prototype;
  }

  function patchProperty(proto, prop, transform) {
    if (!proto) { return; }
    var d = Object.getOwnPropertyDescriptor(proto, prop);
    if (!d || !d.set || !d.configurable) { return; }
    Object.defineProperty(proto, prop, {
      configurable: true,
      enumerable: d.enumerable,
      get: d.get,
      set: function (value) {
        d.set.call(this, typeof value === "string" ? transform(value) : value);
      }
    });
  }

  function rewriteImage(v) { return rewrite(v, true); }
  function rewriteRef(v) { return rewrite(v, false); }

  // Image() instances share HTMLImageElement.prototype, so these setters
  // cover the image constructor as well.
  patchProperty(protoOf("HTMLImageElement"), "src", rewriteImage);
  patchProperty(protoOf("HTMLImageElement"), "srcset", rewriteSrcset);
  patchProperty(protoOf("HTMLSourceElement"), "srcset", rewriteSrcset);
  patchProperty(protoOf("HTMLSourceElement"), "src", rewriteRef);
  patchProperty(protoOf("HTMLScriptElement"), "src", rewriteRef);
  patchProperty(protoOf("HTMLLinkElement"), "href", rewriteRef);
  patchProperty(protoOf("HTMLMediaElement"), "src", rewriteRef);
  patchProperty(protoOf("HTMLElement"), "style", rewriteCss);

  // style writes
  var styleProtos = [protoOf("CSSStyleDeclaration"), protoOf("CSS2Properties"), protoOf("CSSStyleProperties")];
  var declaration = styleProtos[0];
  if (declaration && declaration.setProperty) {
    var realSetProperty = declaration.setProperty;
    declaration.setProperty = function (name, value, priority) {
      var n = String(name).toLowerCase();
      if (typeof value === "string" && (n === "background" || n === "background-image" || n === "content")) {
        value = rewriteCss(value);
      }
      return realSetProperty.call(this, name, value, priority);
    };
  }
  styleProtos.forEach(function (proto) {
    ["cssText", "background", "backgroundImage", "content"].forEach(function (prop) {
      patchProperty(proto, prop, rewriteCss);
    });
  });

  // scroll reporting and restore
  var scrollTimer = null;
  function reportScroll() {
    scrollTimer = null;
    post({
      source: P.source,
      generation: P.generation,
      kind: "scroll",
      x: window.scrollX || window.pageXOffset || 0,
      y: window.scrollY || window.pageYOffset || 0
    });
  }
  window.addEventListener("scroll", function () {
    if (scrollTimer === null) { scrollTimer = setTimeout(reportScroll, 100); }
  }, { passive: true });

  window.addEventListener("message", function (ev) {
    var d = ev.data;
    if (ev.source !== window.parent || !d || d.source !== P.source || d.kind !== "restore_scroll") { return; }
    window.scrollTo(Number(d.x) || 0, Number(d.y) || 0);
  });
})();
`
