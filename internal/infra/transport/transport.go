// Package transport performs the collector network call and maps failures onto the errs
// delivery taxonomy.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/pulse/errs"
)

const (
	component = "transport"

	// DefaultTimeout bounds a single upload.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 64 << 10
)

// Request is one outbound call.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is a successful (2xx) reply.
type Response struct {
	Status int
	Body   []byte
}

// Transport sends a request. Non-2xx replies and network failures are returned as *errs.E.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// HTTP is the net/http backed transport.
type HTTP struct {
	client *http.Client
}

// Option configures the HTTP transport.
type Option func(*HTTP)

// WithClient replaces the underlying http.Client.
func WithClient(client *http.Client) Option {
	return func(h *HTTP) {
		if client != nil {
			h.client = client
		}
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(h *HTTP) {
		if timeout > 0 {
			h.client.Timeout = timeout
		}
	}
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{client: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Send performs the call. A 2xx status returns the body; anything else is classified.
func (h *HTTP) Send(ctx context.Context, req Request) (Response, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyNetwork(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{Status: resp.StatusCode}, errs.FromStatus(component, resp.StatusCode,
			errs.WithMessage(snippet(body)))
	}
	if readErr != nil {
		return Response{Status: resp.StatusCode}, errs.New(component, errs.CodeMalformedResponse,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("read response body"),
			errs.WithCause(readErr))
	}
	return Response{Status: resp.StatusCode, Body: body}, nil
}

func classifyNetwork(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return errs.New(component, errs.CodeTimeout, errs.WithMessage("request timed out"), errs.WithCause(err))
	case errors.Is(err, context.Canceled):
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("request cancelled"), errs.WithCause(err))
	default:
		return errs.New(component, errs.CodeNetwork, errs.WithMessage("collector unreachable"), errs.WithCause(err))
	}
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256] + "..."
	}
	if text == "" {
		return "collector rejected batch"
	}
	return fmt.Sprintf("collector rejected batch: %s", text)
}
