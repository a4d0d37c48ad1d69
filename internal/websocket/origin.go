package websocket

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// AllowList is an OriginValidator over the preview server's own addresses
// plus explicitly configured origins.
type AllowList struct {
	hosts   map[string]bool
	origins map[string]bool
	any     bool
}

// NewAllowList allows the server's own host and port, its localhost aliases
// and every origin in extra. A "*" entry allows everything.
func NewAllowList(host string, port int, extra []string) *AllowList {
	a := &AllowList{
		hosts:   make(map[string]bool),
		origins: make(map[string]bool),
	}

	p := strconv.Itoa(port)
	for _, h := range []string{host, "localhost", "127.0.0.1", "::1"} {
		if h == "" {
			continue
		}
		a.hosts[strings.ToLower(net.JoinHostPort(h, p))] = true
	}

	for _, o := range extra {
		if o == "*" {
			a.any = true
			continue
		}
		a.origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}

	return a
}

// IsAllowedOrigin implements OriginValidator.
func (a *AllowList) IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if a.any {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if a.origins[strings.ToLower(u.Scheme+"://"+u.Host)] {
		return true
	}
	return a.hosts[strings.ToLower(u.Host)]
}
