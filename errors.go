package exshopify

import (
	"fmt"
	"time"
)

var (
	// ErrQueueFull is a sentinel for the error that
	// occurs when a partition queue already holds the maximum
	// number of pending requests and a new one can't be admitted.
	ErrQueueFull = &QueueFullError{}

	// ErrRateLimited is a sentinel for the error that
	// occurs when the remote service explicitly rejected a request
	// because of its own rate limit (ex. HTTP 429).
	ErrRateLimited = &RateLimitedError{}

	// ErrCancelled is a sentinel for the error delivered
	// to requests withdrawn by the caller or by a shutdown.
	ErrCancelled = &CancelledError{}

	// ErrTransport is a sentinel for the error that
	// occurs when the network call fails at the transport level.
	ErrTransport = &TransportError{}

	// ErrPartitionUnavailable is a sentinel for the error delivered to
	// every pending request of a partition whose worker kept crashing
	// and was not restarted anymore.
	ErrPartitionUnavailable = &PartitionUnavailableError{}

	// ErrInvalidRequest is a sentinel for the error that
	// occurs when a request can't be admitted at all,
	// usually because no partition key can be derived from it.
	ErrInvalidRequest = &InvalidRequestError{}

	// ErrDispatcherClosed is returned by submissions
	// made after Shutdown was invoked.
	ErrDispatcherClosed = &DispatcherClosedError{}

	// ErrUnknownPartition is returned when asking for a partition
	// that has no live worker.
	ErrUnknownPartition = &UnknownPartitionError{}
)

// QueueFullError is returned when a partition queue is at capacity.
// The caller decides whether to retry later or fail fast.
type QueueFullError struct {
	Key      PartitionKey
	MaxDepth int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("QueueFull: partition %q already holds %d pending requests", e.Key, e.MaxDepth)
}

func (e *QueueFullError) Is(tgt error) bool {
	_, ok := tgt.(*QueueFullError)
	return ok
}

// RateLimitedError is delivered when the remote service rejected the request
// with an explicit "too many requests" signal.
// RetryAfter holds the wait suggested by the remote service.
type RateLimitedError struct {
	Key        PartitionKey
	RetryAfter time.Duration
	Response   *Response
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("RateLimited: partition %q was throttled by the remote service, retry in %v ms", e.Key, e.RetryAfter.Milliseconds())
}

func (e *RateLimitedError) Is(tgt error) bool {
	_, ok := tgt.(*RateLimitedError)
	return ok
}

// CancelledError is delivered to requests that were withdrawn
// before their result could be delivered.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "Cancelled: the request was cancelled"
	}
	return fmt.Sprintf("Cancelled: the request was cancelled (%v)", e.Reason)
}

func (e *CancelledError) Is(tgt error) bool {
	_, ok := tgt.(*CancelledError)
	return ok
}

// TransportError wraps a network/transport failure.
// Requests failing this way are never retried by the dispatcher.
type TransportError struct {
	Key PartitionKey
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("TransportError: request for partition %q failed: %v", e.Key, e.Err)
}

func (e *TransportError) Is(tgt error) bool {
	_, ok := tgt.(*TransportError)
	return ok
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PartitionUnavailableError is delivered when the supervisor gave up
// restarting a crash-looping partition worker.
type PartitionUnavailableError struct {
	Key     PartitionKey
	Crashes int
	Window  time.Duration
}

func (e *PartitionUnavailableError) Error() string {
	return fmt.Sprintf("PartitionUnavailable: worker for partition %q crashed %d times in %v and will not be restarted", e.Key, e.Crashes, e.Window)
}

func (e *PartitionUnavailableError) Is(tgt error) bool {
	_, ok := tgt.(*PartitionUnavailableError)
	return ok
}

// InvalidRequestError is returned when a request can't be accepted.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("InvalidRequest: the request can't be accepted (%v)", e.Reason)
}

func (e *InvalidRequestError) Is(tgt error) bool {
	_, ok := tgt.(*InvalidRequestError)
	return ok
}

type DispatcherClosedError struct{}

func (e *DispatcherClosedError) Error() string {
	return "DispatcherClosed: the dispatcher is shutting down and does not accept requests"
}

func (e *DispatcherClosedError) Is(tgt error) bool {
	_, ok := tgt.(*DispatcherClosedError)
	return ok
}

type UnknownPartitionError struct {
	Key PartitionKey
}

func (e *UnknownPartitionError) Error() string {
	return fmt.Sprintf("UnknownPartition: no active worker for partition %q", e.Key)
}

func (e *UnknownPartitionError) Is(tgt error) bool {
	_, ok := tgt.(*UnknownPartitionError)
	return ok
}
