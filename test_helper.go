package exshopify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	testTimeout = 5 * time.Second
)

type testLogger struct {
	mu       sync.Mutex
	Messages []string
}

func (l *testLogger) add(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, text)
}

func (l *testLogger) Debug(text string) {
	l.add(fmt.Sprintf("[d] %v", text))
}
func (l *testLogger) Info(text string) {
	l.add(fmt.Sprintf("[i] %v", text))
}
func (l *testLogger) Warning(text string) {
	l.add(fmt.Sprintf("[w] %v", text))
}
func (l *testLogger) Error(text string) {
	l.add(fmt.Sprintf("[e] %v", text))
}

func (l *testLogger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.Messages))
	copy(out, l.Messages)
	return out
}

func (l *testLogger) Contains(part string) bool {
	for _, m := range l.Snapshot() {
		if strings.Contains(m, part) {
			return true
		}
	}
	return false
}

// testClock is a manually driven clock for Config.TimeFunc.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) TimeTravel(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeCall is a request as seen by the fake transport.
type fakeCall struct {
	ID     string
	Target string
	At     time.Time
}

// fakeTransport records every call and answers with
// the programmable handler, or with a plain 200 response.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeTransport) Execute(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{ID: req.ID, Target: req.Target, At: time.Now()})
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return okResponse(), nil
	}
	return handler(ctx, req)
}

func (f *fakeTransport) SetHandler(handler func(ctx context.Context, req *Request) (*Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// IDs returns the IDs of the requests sent for target, in order.
// An empty target matches every request.
func (f *fakeTransport) IDs(target string) []string {
	out := make([]string, 0)
	for _, c := range f.Calls() {
		if target == "" || c.Target == target {
			out = append(out, c.ID)
		}
	}
	return out
}

func (f *fakeTransport) Count(target string) int {
	return len(f.IDs(target))
}

func okResponse() *Response {
	return &Response{StatusCode: 200}
}

type testableDispatcher struct {
	Instance  *dispatcher
	Transport *fakeTransport
	Logger    *testLogger
}

// buildDispatcher returns a dispatcher over a fake transport.
// The configurer can change the configuration before the dispatcher is built.
func buildDispatcher(t *testing.T, configurer func(c *Config)) *testableDispatcher {
	transport := &fakeTransport{}
	logger := &testLogger{}

	config := Config{
		Transport:      transport,
		Logger:         logger,
		RestartBackoff: time.Millisecond,
	}
	if configurer != nil {
		configurer(&config)
	}

	instance, err := New(&config)
	if err != nil {
		t.Fatalf("error building the dispatcher: %v", err)
	}

	d := instance.(*dispatcher)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return &testableDispatcher{
		Instance:  d,
		Transport: transport,
		Logger:    logger,
	}
}

func (td *testableDispatcher) Submit(t *testing.T, target, id string) *Handle {
	h, err := td.Instance.Submit(&Request{ID: id, Target: target})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return h
}

// waitAll waits for the completion of every handle.
func waitAll(t *testing.T, handles ...*Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			t.Fatalf("request %s did not complete in time", h.ID())
		}
	}
}

// blockingHandler holds every request for target until release is closed
// or the call is cancelled; other targets are answered immediately.
func blockingHandler(target string, release <-chan struct{}) func(ctx context.Context, req *Request) (*Response, error) {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if req.Target != target {
			return okResponse(), nil
		}
		select {
		case <-release:
			return okResponse(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
