package exshopify

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCallLimitHeader is the response header carrying
	// the "used/limit" counters of the remote leaky bucket.
	DefaultCallLimitHeader = "X-Shopify-Shop-Api-Call-Limit"

	retryAfterHeader = "Retry-After"

	// MaxRetryAfter caps the waits parsed from Retry-After headers.
	MaxRetryAfter = 24 * time.Hour
)

// Request is the descriptor handed to the dispatcher by
// the request builders.
//
// Target identifies the remote account the request is for
// and is used to derive its partition key.
// Payload is opaque to the dispatcher and is passed as-is to the Transport.
type Request struct {
	ID      string
	Target  string
	Payload interface{}
}

// NewHTTPRequest wraps a ready-to-send http request,
// targeting the host it is addressed to.
func NewHTTPRequest(req *http.Request) *Request {
	target := ""
	if req != nil && req.URL != nil {
		target = req.URL.Host
	}
	return &Request{
		Target:  target,
		Payload: req,
	}
}

// CallLimit holds the "N of M requests used" telemetry
// reported by the remote service.
type CallLimit struct {
	Used  int
	Limit int
}

// Remaining returns the capacity left according to the remote service.
func (c CallLimit) Remaining() int {
	return c.Limit - c.Used
}

func (c CallLimit) String() string {
	return fmt.Sprintf("%d/%d", c.Used, c.Limit)
}

// Response is the raw result of a network call.
//
// CallLimit is non-nil when the remote service reported its counters.
// Throttled is true when the remote service explicitly rejected
// the request because of its rate limit; RetryAfter then holds
// the suggested wait, if any.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Payload    interface{}

	CallLimit  *CallLimit
	Throttled  bool
	RetryAfter time.Duration
}

// Transport executes a single request against the remote service.
//
// Implementations should return an error only for transport level failures:
// application errors (4xx, 5xx) are meant to be returned as responses.
type Transport interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type httpTransportConfig struct {
	// client is the http client used to issue requests.
	// default: http.DefaultClient
	client *http.Client

	// callLimitHeader is the name of the header
	// carrying the "used/limit" counters.
	// default: X-Shopify-Shop-Api-Call-Limit
	callLimitHeader string

	// defaultRetryAfter is used when a 429 response
	// comes without a parseable Retry-After header.
	// default: none, the dispatcher applies Config.DefaultRetryAfter
	defaultRetryAfter time.Duration
}

type HTTPTransportOption func(c *httpTransportConfig)

func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(c *httpTransportConfig) {
		c.client = client
	}
}

func WithCallLimitHeader(name string) HTTPTransportOption {
	return func(c *httpTransportConfig) {
		c.callLimitHeader = name
	}
}

func WithDefaultRetryAfter(d time.Duration) HTTPTransportOption {
	return func(c *httpTransportConfig) {
		c.defaultRetryAfter = d
	}
}

// HTTPTransport sends requests whose Payload is an *http.Request
// and extracts rate limit telemetry from the responses.
//
// Retry-After is only understood in seconds: HTTP-date values are
// ignored, as if the header was missing.
type HTTPTransport struct {
	config httpTransportConfig
}

var _ Transport = &HTTPTransport{}

func NewHTTPTransport(opts ...HTTPTransportOption) *HTTPTransport {
	config := httpTransportConfig{
		client:          http.DefaultClient,
		callLimitHeader: DefaultCallLimitHeader,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &HTTPTransport{config: config}
}

func (t *HTTPTransport) Execute(ctx context.Context, req *Request) (*Response, error) {
	httpReq, ok := req.Payload.(*http.Request)
	if !ok || httpReq == nil {
		return nil, fmt.Errorf("http transport requires an *http.Request payload, got %T", req.Payload)
	}

	httpRes, err := t.config.client.Do(httpReq.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	out := &Response{
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header,
		Body:       body,
		Payload:    httpRes,
	}

	if limit, ok := ParseCallLimit(httpRes.Header.Get(t.config.callLimitHeader)); ok {
		out.CallLimit = &limit
	}

	if httpRes.StatusCode == http.StatusTooManyRequests {
		out.Throttled = true
		out.RetryAfter = t.config.defaultRetryAfter
		if retryAfter, ok := ParseRetryAfter(httpRes.Header.Get(retryAfterHeader)); ok {
			out.RetryAfter = retryAfter
		}
	}

	return out, nil
}

// ParseCallLimit parses a "used/limit" header value such as "32/40".
func ParseCallLimit(value string) (CallLimit, bool) {
	splitted := strings.Split(strings.TrimSpace(value), "/")
	if len(splitted) != 2 {
		return CallLimit{}, false
	}

	used, err := strconv.Atoi(strings.TrimSpace(splitted[0]))
	if err != nil || used < 0 {
		return CallLimit{}, false
	}
	limit, err := strconv.Atoi(strings.TrimSpace(splitted[1]))
	if err != nil || limit <= 0 {
		return CallLimit{}, false
	}

	return CallLimit{Used: used, Limit: limit}, true
}

// ParseRetryAfter parses a Retry-After header value expressed
// in (possibly fractional) seconds, ex. "2.0".
// Values above MaxRetryAfter are capped.
// HTTP dates and non-finite values are rejected.
func ParseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, false
	}
	if seconds >= MaxRetryAfter.Seconds() {
		return MaxRetryAfter, true
	}
	return time.Duration(seconds * float64(time.Second)), true
}
