package protocol

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNetwork wraps transport-level failures (DNS, connect, reset) so the
// runner can tell them apart from cancellation.
var ErrNetwork = errors.New("network error")

// ErrCertUntrusted wraps TLS verification failures. The runner routes these
// to the owner so the user can approve or replace the certificate.
var ErrCertUntrusted = errors.New("server certificate untrusted")

// isCertError reports whether err stems from server certificate
// verification.
func isCertError(err error) bool {
	var (
		unknownAuth x509.UnknownAuthorityError
		hostname    x509.HostnameError
		invalid     x509.CertificateInvalidError
	)

	return errors.As(err, &unknownAuth) || errors.As(err, &hostname) ||
		errors.As(err, &invalid)
}

// Request is one protocol request handed to the transport. The engine
// depends only on this shape, not on any concrete HTTP stack.
type Request struct {
	Method      string
	URL         string
	Headers     http.Header
	Body        []byte
	ContentType string

	// Timeout bounds the full round trip. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Response is the transport's reply.
type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
}

// Header returns the named response header, or "".
func (r *Response) Header(name string) string {
	return r.Headers.Get(name)
}

// Transport sends one request and returns one response. Implementations
// must honor ctx cancellation and return context.Canceled (possibly
// wrapped) when aborted, and an ErrNetwork-wrapped error for connection
// failures.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// DefaultTimeout is the per-request timeout used when a command does not
// specify its own.
const DefaultTimeout = 30 * time.Second

// MaxResponseBody caps how much of a response body is read into memory.
const MaxResponseBody = 25 << 20 // 25 MB

// HTTPTransport is the production Transport backed by net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport. A nil client uses
// http.DefaultClient's transport with no client-level timeout; per-request
// timeouts come from the request.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPTransport{client: client}
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(ctx context.Context,
	req *Request,
) (*Response, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(
		reqCtx, req.Method, req.URL, body,
	)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for name, vals := range req.Headers {
		for _, val := range vals {
			httpReq.Header.Add(name, val)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		// Cancellation (caller-requested or timeout) surfaces as
		// context errors; everything else is a network failure.
		if reqCtx.Err() != nil {
			return nil, reqCtx.Err()
		}
		if isCertError(err) {
			return nil, fmt.Errorf("%w: %v", ErrCertUntrusted, err)
		}

		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(
		httpResp.Body, MaxResponseBody,
	))
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, reqCtx.Err()
		}

		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	return &Response{
		StatusCode:  httpResp.StatusCode,
		Headers:     httpResp.Header,
		Body:        respBody,
		ContentType: httpResp.Header.Get("Content-Type"),
	}, nil
}
