package ssrf

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

const maxRedirects = 10

// NewClient returns an HTTP client that refuses to dial blocked addresses,
// re-checks every redirect target, never sends a Referer and gives up after
// a bounded number of redirects. A nil guard disables address checks.
func NewClient(g *Guard, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if g != nil {
		dialer.Control = g.Control
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// net/http copies the previous URL into Referer before calling us.
			req.Header.Del("Referer")
			if g != nil {
				return g.Check(req.Context(), req.URL.String())
			}
			return nil
		},
	}
}
