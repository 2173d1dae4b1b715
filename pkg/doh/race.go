package doh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAttemptTimeout bounds a single upstream exchange when a Racer
// has no explicit Timeout.
const DefaultAttemptTimeout = 5 * time.Second

var (
	// ErrAllUpstreamsFailed is returned when no upstream resolver answered
	// with a successful status.
	ErrAllUpstreamsFailed = errors.New("doh: all upstream resolvers failed")

	// ErrNoResolvers is returned when a race is started without endpoints.
	ErrNoResolvers = errors.New("doh: no upstream resolvers")
)

// UpstreamError is the failure of one upstream attempt.
type UpstreamError struct {
	Endpoint   string
	StatusCode int // zero when no HTTP response was received
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("doh: upstream %q returned status code: %d (%s)", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("doh: upstream %q: %v", e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Result is the response of the attempt that won a race.
type Result struct {
	Endpoint string
	Body     []byte
	Latency  time.Duration
}

// Observer receives the outcome of every attempt and every race.
type Observer interface {
	ObserveAttempt(endpoint string, err error, d time.Duration)
	ObserveRace(winner string, err error, d time.Duration)
}

// Racer sends one request to every upstream endpoint at once and keeps the
// first successful answer.
type Racer struct {
	// Client performs the upstream exchanges. It is shared by all
	// attempts and all races; nil means a pooled client from NewClient.
	Client *http.Client

	// Timeout bounds each attempt. Zero means DefaultAttemptTimeout, a
	// negative value disables the per-attempt deadline.
	Timeout time.Duration

	// UserAgent, when set, is sent to upstreams.
	UserAgent string

	Observer Observer
	Logger   *zap.SugaredLogger
}

type outcome struct {
	endpoint string
	body     []byte
	err      error
	latency  time.Duration
}

// Race forwards tmpl to every endpoint concurrently and returns the first
// response with a 2xx status.
//
// As soon as a winner is known the remaining attempts are cancelled, and
// Race returns once their goroutines have exited. If every attempt fails,
// the returned error wraps ErrAllUpstreamsFailed and each attempt failure.
func (r *Racer) Race(ctx context.Context, tmpl *Template, endpoints []string) (*Result, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoResolvers
	}

	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpClient := r.Client
	if httpClient == nil {
		httpClient = defaultClient()
	}

	outcomes := make(chan outcome, len(endpoints))

	var g errgroup.Group
	for _, endpoint := range endpoints {
		g.Go(func() error {
			outcomes <- r.attempt(ctx, httpClient, tmpl, endpoint)
			return nil
		})
	}

	var merr *multierror.Error
	for range len(endpoints) {
		o := <-outcomes
		if o.err == nil {
			cancel()
			_ = g.Wait()
			r.observeRace(o.endpoint, nil, time.Since(start))
			return &Result{Endpoint: o.endpoint, Body: o.body, Latency: o.latency}, nil
		}
		merr = multierror.Append(merr, o.err)
	}
	_ = g.Wait()

	merr.ErrorFormat = joinErrors
	err := fmt.Errorf("%w: %w", ErrAllUpstreamsFailed, merr)
	r.observeRace("", err, time.Since(start))
	return nil, err
}

func (r *Racer) attempt(ctx context.Context, httpClient *http.Client, tmpl *Template, endpoint string) outcome {
	start := time.Now()

	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultAttemptTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := exchange(ctx, httpClient, endpoint, tmpl, r.UserAgent)
	latency := time.Since(start)

	if r.Observer != nil {
		r.Observer.ObserveAttempt(endpoint, err, latency)
	}
	if err != nil && r.Logger != nil {
		r.Logger.Debugw("upstream attempt failed", "endpoint", endpoint, "latency", latency, "error", err)
	}

	return outcome{endpoint: endpoint, body: body, err: err, latency: latency}
}

func (r *Racer) observeRace(winner string, err error, d time.Duration) {
	if r.Observer != nil {
		r.Observer.ObserveRace(winner, err, d)
	}
}

// exchange performs one upstream request and returns the raw response
// body when the status is 2xx.
func exchange(ctx context.Context, httpClient *http.Client, endpoint string, tmpl *Template, userAgent string) ([]byte, error) {
	httpReq, err := tmpl.NewRequest(ctx, endpoint)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: err}
	}
	if userAgent != "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: errors.Wrap(err, "HTTP request failed")}
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, MaxMessageSize))
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: httpResp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxMessageSize+1))
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: httpResp.StatusCode, Err: errors.Wrap(err, "error reading response body")}
	}
	if len(body) > MaxMessageSize {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: httpResp.StatusCode, Err: errors.Errorf("response body exceeds %d bytes", MaxMessageSize)}
	}

	return body, nil
}

func joinErrors(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
