package doh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// ContentType is the media type of DNS wire-format messages (RFC 8484).
	ContentType = "application/dns-message"

	// MaxMessageSize is the largest DNS message the proxy will read,
	// from a client or from an upstream.
	MaxMessageSize = 65535
)

// StatusError is a client-facing failure detected before any upstream is
// contacted, such as a missing "dns" parameter or an unsupported method.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("doh: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

var (
	errMissingDNSParam = &StatusError{
		Status:  http.StatusBadRequest,
		Message: "missing 'dns' query parameter",
	}
	errInvalidContentType = &StatusError{
		Status:  http.StatusBadRequest,
		Message: "invalid Content-Type, must be " + ContentType,
	}
	errBodyTooLarge = &StatusError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: "request body too large",
	}
	errMethodNotAllowed = &StatusError{
		Status:  http.StatusMethodNotAllowed,
		Message: "unsupported method",
	}
)

// Template is an upstream request derived from one inbound request,
// independent of the resolver that will receive it.
type Template struct {
	// Method is GET or POST. OPTIONS marks a CORS preflight that must
	// not be forwarded.
	Method string

	// RawQuery is the inbound query string, forwarded verbatim on GET.
	RawQuery string

	// Body is the DNS query read from a POST request.
	Body []byte
}

// Preflight reports whether the template is a CORS preflight.
func (t *Template) Preflight() bool {
	return t.Method == http.MethodOptions
}

// NewRequest builds the request for a single upstream endpoint.
//
// GET requests reuse the endpoint URL with its query string replaced by
// the inbound one. POST requests carry the binary query as the body.
func (t *Template) NewRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	switch t.Method {
	case http.MethodGet:
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("doh: invalid upstream URL %q: %w", endpoint, err)
		}
		u.RawQuery = t.RawQuery

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("doh: error creating HTTP request: %w", err)
		}
		req.Header.Set("Accept", ContentType)
		return req, nil
	case http.MethodPost:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(t.Body))
		if err != nil {
			return nil, fmt.Errorf("doh: error creating HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", ContentType)
		req.Header.Set("Accept", ContentType)
		return req, nil
	default:
		return nil, fmt.Errorf("doh: cannot forward %s request", t.Method)
	}
}

// Classify inspects an inbound request and returns the template to race
// upstream, or a *StatusError describing why the request is rejected.
//
// POST bodies larger than maxBody are rejected; a non-positive maxBody
// means MaxMessageSize.
//
// https://datatracker.ietf.org/doc/html/rfc8484#section-4.1
func Classify(r *http.Request, maxBody int64) (*Template, error) {
	switch r.Method {
	case http.MethodOptions:
		return &Template{Method: http.MethodOptions}, nil
	case http.MethodGet:
		if !r.URL.Query().Has("dns") {
			return nil, errMissingDNSParam
		}
		return &Template{Method: http.MethodGet, RawQuery: r.URL.RawQuery}, nil
	case http.MethodPost:
		if !strings.Contains(r.Header.Get("Content-Type"), ContentType) {
			return nil, errInvalidContentType
		}

		if maxBody <= 0 {
			maxBody = MaxMessageSize
		}

		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("doh: error reading request body: %w", err)
		}
		if int64(len(b)) > maxBody {
			return nil, errBodyTooLarge
		}
		return &Template{Method: http.MethodPost, Body: b}, nil
	default:
		return nil, errMethodNotAllowed
	}
}
