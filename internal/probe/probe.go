// Package probe answers "is this origin URL reachable" for the
// authoring path. It is the only outbound I/O in the system, so the
// request runs under a hard timeout: a slow origin fails the authoring
// request instead of stalling it.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultTimeout = 8 * time.Second
	maxRedirects   = 3
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) MP4Security/1.0"
)

// Checker reports whether a URL is reachable. Injected so tests can
// substitute a fake.
type Checker interface {
	UrlIsReachable(ctx context.Context, url string) bool
}

// HTTPChecker probes with a HEAD request, following at most three
// redirects.
type HTTPChecker struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPChecker creates a checker with the given timeout; zero means
// the 8-second default.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPChecker{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		timeout: timeout,
	}
}

// UrlIsReachable implements Checker. Timeouts and transport failures
// count as unreachable.
func (c *HTTPChecker) UrlIsReachable(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusFound:
		return true
	}
	return false
}

// AlwaysReachable is a Checker that accepts every URL, for deployments
// that disable the probe and for tests.
type AlwaysReachable struct{}

// UrlIsReachable implements Checker.
func (AlwaysReachable) UrlIsReachable(context.Context, string) bool {
	return true
}
