// Package httpclient builds the pooled HTTP client shared by the gateway's
// outbound dependency clients. Connection reuse matters here: every live
// valuation costs up to two external round trips, and the default transport's
// two idle connections per host would thrash under concurrent submissions.
package httpclient

import (
	"net/http"
	"time"
)

// Config tunes the shared client.
type Config struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	UserAgent           string
}

// New builds an *http.Client with a tuned transport. A zero Timeout leaves
// per-request deadlines to the caller's context.
func New(cfg Config) *http.Client {
	perHost := cfg.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = 10
	}

	transport := &http.Transport{
		MaxIdleConns:        perHost * 2,
		MaxIdleConnsPerHost: perHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = &userAgentTransport{agent: cfg.UserAgent, next: transport}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
	}
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.agent)
	}
	return t.next.RoundTrip(req)
}
