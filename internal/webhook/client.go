// ABOUTME: HTTP client that only connects to guard-validated addresses
// ABOUTME: Resolves once per dial and connects to the checked IP, never re-resolving

package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// maxRedirects caps redirect chains followed by the dispatch client.
const maxRedirects = 5

// Client returns an *http.Client for webhook dispatch. Every connection is
// validated by the guard and dialed to the validated IP, and redirects are
// checked against the same policy.
func (g *Guard) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			addr, err := g.checkHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if err := g.checkScheme(req.URL.Scheme); err != nil {
				return err
			}
			if req.URL.User != nil {
				return reject(ReasonUserinfoPresent)
			}
			return nil
		},
	}
}

// IsRejected reports whether err came from the guard, including errors
// wrapped by net/http.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
