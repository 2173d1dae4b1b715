package doh

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// ClientOptions configures the HTTP client used to reach upstream resolvers.
type ClientOptions struct {
	// Timeout is the overall client timeout. Zero leaves deadlines to the
	// request context.
	Timeout time.Duration

	// BootstrapResolver is a "host:port" DNS server used to resolve
	// upstream hostnames instead of the system resolver.
	BootstrapResolver string
}

var defaultClient = sync.OnceValue(func() *http.Client {
	return NewClient(ClientOptions{})
})

// NewClient returns an HTTP client with a pooled transport suited to
// repeated exchanges with a small set of DoH servers.
func NewClient(opts ClientOptions) *http.Client {
	transport := cleanhttp.DefaultPooledTransport()
	transport.ForceAttemptHTTP2 = true

	if opts.BootstrapResolver != "" {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Resolver:  bootstrapResolver(opts.BootstrapResolver),
		}
		transport.DialContext = dialer.DialContext
	}

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
}

func bootstrapResolver(addr string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{
				Timeout: 5 * time.Second,
			}
			return d.DialContext(ctx, network, addr)
		},
	}
}
