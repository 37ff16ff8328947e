package proxyserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// DNS caching for the proxy's outbound calls to the upstream gateway,
// exactly as the LLM gateway's provider transport is built.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must never be forwarded verbatim between client and
// upstream in either direction. Content-Length is handled separately
// because it must be recomputed, not merely dropped.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Encoding":    {},
	"Content-Length":      {},
	"Host":                {},
}
