// Package httpclient provides the outbound HTTP client pool the provider
// handlers use to reach upstreams: one *http.Client per proxy profile,
// transport-level retry with exponential backoff, and AuthStyle-aware
// credential attachment.
package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	defaultConnectTimeout = 10 * time.Second
	unaryTimeout          = 120 * time.Second
	// streaming requests set no per-request read deadline; cancellation is
	// driven by context and client-disconnect detection instead.
)

// Pool hands out a *http.Client per distinct proxy profile (empty string
// means "use the system/environment proxy"), reusing connections across
// requests to the same profile.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewPool returns an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*http.Client)}
}

// Unary returns the client used for non-streaming requests against the
// given proxy profile ("" for system proxy, "none" to bypass any proxy,
// otherwise an absolute proxy URL).
func (p *Pool) Unary(proxyProfile string) *http.Client {
	return p.client(proxyProfile, unaryTimeout)
}

// Stream returns the client used for streaming requests: no overall
// response timeout, since a long-lived SSE body must stay open for the
// duration of generation.
func (p *Pool) Stream(proxyProfile string) *http.Client {
	return p.client(proxyProfile, 0)
}

func (p *Pool) client(proxyProfile string, timeout time.Duration) *http.Client {
	key := proxyProfile
	if timeout == 0 {
		key += "|stream"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}

	transport := &http.Transport{
		Proxy: proxyFunc(proxyProfile),
		DialContext: (&net.Dialer{
			Timeout: defaultConnectTimeout,
		}).DialContext,
	}

	c := &http.Client{Transport: transport, Timeout: timeout}
	p.clients[key] = c
	return c
}

func proxyFunc(profile string) func(*http.Request) (*url.URL, error) {
	switch profile {
	case "":
		return http.ProxyFromEnvironment
	case "none":
		return nil
	default:
		fixed, err := url.Parse(profile)
		if err != nil {
			return nil
		}
		return http.ProxyURL(fixed)
	}
}
