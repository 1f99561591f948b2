package accountprovider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// DNS caching, shared by every account's *http.Client so accounts reuse one
// DNS cache and connection pools instead of each paying a fresh lookup.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     40,
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

// hopByHopHeaders must never be copied from an upstream response onto the
// client response.
var hopByHopHeaders = map[string]struct{}{
	"Content-Encoding":  {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

func filterHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, vals := range h {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		out[key] = vals
	}
	return out
}
