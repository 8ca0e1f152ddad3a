package accessgate

import (
	"net"
	"net/http"
	"strings"
)

// proxyHeaders is the trusted proxy header chain, most trusted first.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For"}

// ClientIP derives the client identifier for rate limiting and session
// binding: the first valid IP from the trusted proxy headers, falling
// back to the connection address, then to "0.0.0.0".
func ClientIP(r *http.Request) string {
	for _, h := range proxyHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For may carry a chain; the first hop is the client.
		first := strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) != nil {
		return host
	}
	return "0.0.0.0"
}
