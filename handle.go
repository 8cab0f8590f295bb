package exshopify

import (
	"context"
	"sync/atomic"
	"time"
)

// lifecycle of a submitted request.
// every transition to handleDone happens exactly once.
const (
	handlePending int32 = iota
	handleInFlight
	handleDone
)

// Handle tracks a submitted request until its completion.
//
// A Handle is completed exactly once, either with the response
// or with one of the dispatcher errors.
type Handle struct {
	request     *Request
	key         PartitionKey
	submittedAt time.Time
	worker      *worker

	state atomic.Int32
	done  chan struct{}

	response *Response
	err      error

	// cancelCall aborts the network call. It is set by the worker
	// before the request moves to the in-flight state.
	cancelCall context.CancelFunc
}

func newHandle(req *Request, key PartitionKey, submittedAt time.Time) *Handle {
	return &Handle{
		request:     req,
		key:         key,
		submittedAt: submittedAt,
		done:        make(chan struct{}),
	}
}

// ID returns the identifier of the underlying request.
func (h *Handle) ID() string {
	return h.request.ID
}

func (h *Handle) PartitionKey() PartitionKey {
	return h.key
}

func (h *Handle) Request() *Request {
	return h.request
}

func (h *Handle) SubmittedAt() time.Time {
	return h.submittedAt
}

// Done returns a channel closed when the request is completed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the request is completed or the context is done.
// Giving up waiting does not cancel the request: use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-h.done:
		return h.response, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the request is completed.
func (h *Handle) Result() (*Response, error) {
	<-h.done
	return h.response, h.err
}

// Cancel withdraws the request.
//
// A request still waiting in its partition queue is completed
// with ErrCancelled and is guaranteed to never be sent.
// For a request already in flight cancellation is best-effort:
// the network call may still complete but its result is discarded.
//
// It returns false if the request was already completed.
func (h *Handle) Cancel() bool {
	for {
		switch state := h.state.Load(); state {
		case handlePending, handleInFlight:
			if !h.state.CompareAndSwap(state, handleDone) {
				continue
			}
			reason := "cancelled while queued"
			if state == handleInFlight {
				reason = "cancelled while in flight"
			}
			h.finish(nil, &CancelledError{Reason: reason})
			if h.worker != nil {
				h.worker.notifyCancelled(h, state == handlePending)
			}
			return true
		default:
			return false
		}
	}
}

func (h *Handle) isPending() bool {
	return h.state.Load() == handlePending
}

// markInFlight is called by the worker right before sending the request.
// It fails if the request was cancelled in the meanwhile.
func (h *Handle) markInFlight() bool {
	return h.state.CompareAndSwap(handlePending, handleInFlight)
}

// complete delivers the outcome of the network call.
func (h *Handle) complete(res *Response, err error) bool {
	if !h.state.CompareAndSwap(handleInFlight, handleDone) {
		return false
	}
	h.finish(res, err)
	return true
}

// fail completes a request that was never sent.
func (h *Handle) fail(err error) bool {
	if !h.state.CompareAndSwap(handlePending, handleDone) {
		return false
	}
	h.finish(nil, err)
	return true
}

// abort completes the request whatever its state.
func (h *Handle) abort(err error) bool {
	for {
		state := h.state.Load()
		if state == handleDone {
			return false
		}
		if h.state.CompareAndSwap(state, handleDone) {
			h.finish(nil, err)
			return true
		}
	}
}

func (h *Handle) stopCall() {
	if h.cancelCall != nil {
		h.cancelCall()
	}
}

func (h *Handle) finish(res *Response, err error) {
	h.response = res
	h.err = err
	close(h.done)
}
