package accessgate

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// RefererPolicy decides whether the page embedding a request is allowed
// to. A host passes if it exactly matches an allow-list entry, is a
// subdomain of one, or is the serving host itself.
type RefererPolicy struct {
	// AllowedDomains is the configured allow-list.
	AllowedDomains []string
	// ServerName is the host this service is reachable under.
	ServerName string
	// Permissive accepts every request but still logs the ones that
	// would have been rejected. An explicit, auditable state.
	Permissive bool
	Logger     *logrus.Logger
}

// Check validates the Referer (falling back to Origin) of r. Requests
// served to localhost are always allowed, mirroring how the system has
// always behaved in local development.
func (p *RefererPolicy) Check(r *http.Request) error {
	serverName := p.ServerName
	if serverName == "" {
		serverName = hostOnly(r.Host)
	}

	if isLocal(serverName) {
		return nil
	}

	ref := r.Header.Get("Referer")
	if ref == "" {
		ref = r.Header.Get("Origin")
	}

	if err := p.checkValue(ref, serverName); err != nil {
		if p.Permissive {
			p.logger().WithFields(logrus.Fields{
				"event":   "referer_permissive_accept",
				"referer": ref,
			}).Warn("referer would have been rejected")
			return nil
		}
		return err
	}
	return nil
}

// HostAllowed reports whether host matches the allow-list. Used for CORS
// origin echoing as well as referer checks.
func (p *RefererPolicy) HostAllowed(host string) bool {
	for _, domain := range p.AllowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (p *RefererPolicy) checkValue(ref, serverName string) error {
	// Direct access carries no referer; fail closed.
	if ref == "" {
		return ErrRefererRejected
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return ErrRefererRejected
	}
	host := u.Hostname()

	if p.HostAllowed(host) || host == serverName || isLocal(host) {
		return nil
	}
	return ErrRefererRejected
}

func (p *RefererPolicy) logger() *logrus.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}

func isLocal(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}
