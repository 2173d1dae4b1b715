package doh

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Path is the endpoint the proxy is served on.
const Path = "/dns-query"

const internalErrorMessage = "internal server error"

// Proxy is a DNS-over-HTTPS (DoH) forwarding proxy. Each query is sent to
// every configured upstream resolver at once, and the client receives the
// bytes of whichever one answers successfully first.
//
// Queries and answers are forwarded as opaque blobs; the proxy never parses
// DNS messages.
type Proxy struct {
	// Resolvers is read on every request to build the resolver set.
	Resolvers ResolverConfig

	// Racer performs the upstream fan-out. Nil means a zero Racer.
	Racer *Racer

	// MaxBodySize limits POST bodies. Non-positive means MaxMessageSize.
	MaxBodySize int64

	// Limit, when set, bounds the number of races in flight at once.
	Limit *semaphore.Weighted

	Logger *zap.SugaredLogger
}

// NewServerMux returns an HTTP server mux with the proxy mounted at [Path],
// supporting the DNS-over-HTTPS (DoH) protocol as defined in [RFC 8484].
//
// [RFC 8484]: https://tools.ietf.org/html/rfc8484
func NewServerMux(p *Proxy) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(Path, p)
	return mux
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := p.logger()

	defer func() {
		if v := recover(); v != nil {
			log.Errorw("recovered from panic while serving request", "panic", v)
			writeError(w, http.StatusInternalServerError, internalErrorMessage, fmt.Sprint(v))
		}
	}()

	tmpl, err := Classify(r, p.MaxBodySize)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			writeError(w, statusErr.Status, statusErr.Message, "")
			return
		}
		log.Warnw("failed to classify request", "method", r.Method, "error", err)
		writeError(w, http.StatusInternalServerError, internalErrorMessage, err.Error())
		return
	}

	if tmpl.Preflight() {
		writePreflight(w)
		return
	}

	ctx := r.Context()

	if p.Limit != nil {
		if err := p.Limit.Acquire(ctx, 1); err != nil {
			writeError(w, http.StatusInternalServerError, internalErrorMessage, err.Error())
			return
		}
		defer p.Limit.Release(1)
	}

	endpoints := p.Resolvers.Endpoints()

	start := time.Now()
	result, err := p.racer().Race(ctx, tmpl, endpoints)
	if err != nil {
		log.Warnw("no upstream answered", "method", tmpl.Method, "resolvers", len(endpoints), "elapsed", time.Since(start), "error", err)
		writeError(w, http.StatusInternalServerError, internalErrorMessage, err.Error())
		return
	}

	log.Debugw("forwarded query", "method", tmpl.Method, "upstream", result.Endpoint, "latency", result.Latency, "bytes", len(result.Body))
	writeMessage(w, result.Body)
}

func (p *Proxy) racer() *Racer {
	if p.Racer == nil {
		return &Racer{}
	}
	return p.Racer
}

func (p *Proxy) logger() *zap.SugaredLogger {
	if p.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return p.Logger
}
