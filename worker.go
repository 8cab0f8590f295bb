package exshopify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"golang.org/x/time/rate"

	"github.com/diggleweb/exshopify/stats"
)

// Status is the lifecycle state of a partition worker.
type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusDraining
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusDraining:
		return "draining"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// PartitionStatistics holds runtime statistics for a single partition.
type PartitionStatistics struct {
	Key    PartitionKey
	Status Status

	// QueueDepth is the amount of admitted requests not dispatched yet.
	QueueDepth int
	InFlight   int

	// bucket status as of the last loop iteration.
	Available    float64
	Capacity     int
	BlockedUntil time.Time

	Restarts   int
	Dispatched uint64
	Throttled  uint64
}

// errWorkerStopped is returned by admit when the worker was stopped
// after the caller resolved it: the caller has to resolve the key again.
var errWorkerStopped = errors.New("partition worker is stopped")

// minQueueCapacity keeps the deque from resizing too often
// on partitions with a small but steady backlog.
const minQueueCapacity = 16

// callResult travels back from the goroutine issuing a network call.
type callResult struct {
	handle     *Handle
	response   *Response
	err        error
	panicked   interface{}
	generation uint64
}

// runExit describes how a loop run ended.
// backlog holds the requests queued when a crash happened, in order.
type runExit struct {
	crashed bool
	cause   interface{}
	backlog *deque.Deque
}

// worker owns the bucket and the queue of a single partition.
//
// Everything below the "loop state" comment is touched only by the goroutine
// running the worker, which is the supervisor goroutine for that partition.
// Other goroutines talk to it through the inbox, wake and results channels.
type worker struct {
	key       PartitionKey
	config    *effectiveConfig
	transport Transport
	logger    Logger
	recorder  *recorder

	mu         sync.Mutex
	status     Status
	reserved   int
	draining   bool
	restarts   int
	snapshot   PartitionStatistics
	dispatched uint64
	throttled  uint64

	inbox   chan *Handle
	wake    chan struct{}
	results chan callResult
	drainCh chan struct{}
	abortCh chan struct{}
	quit    chan struct{}

	drainOnce sync.Once
	abortOnce sync.Once
	quitOnce  sync.Once

	// loop state
	bucket         *Bucket
	queue          *deque.Deque
	inFlight       map[*Handle]struct{}
	generation     uint64
	lastActive     time.Time
	drainRequested bool
	exhaustedLog   rate.Sometimes

	// supervisor state
	crashes []time.Time
}

func newWorker(key PartitionKey, config *effectiveConfig, transport Transport, logger Logger, recorder *recorder) *worker {
	return &worker{
		key:          key,
		config:       config,
		transport:    transport,
		logger:       newPartitionLogger(logger, key),
		recorder:     recorder,
		status:       StatusStarting,
		inbox:        make(chan *Handle, config.MaxQueueDepth),
		wake:         make(chan struct{}, 1),
		results:      make(chan callResult, config.Slots),
		drainCh:      make(chan struct{}),
		abortCh:      make(chan struct{}),
		quit:         make(chan struct{}),
		exhaustedLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// now reads the configured clock.
func (w *worker) now() time.Time {
	if w.config.TimeFunc == nil {
		return time.Now()
	}
	return w.config.TimeFunc()
}

func newQueue() *deque.Deque {
	return deque.New(0, minQueueCapacity)
}

// admit reserves a place in the partition queue and hands the request
// over to the loop. The inbox send never blocks as the inbox is as large
// as the maximum amount of reservations.
func (w *worker) admit(h *Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status == StatusStopped {
		return errWorkerStopped
	}
	if w.draining {
		return &DispatcherClosedError{}
	}
	if w.reserved >= w.config.MaxQueueDepth {
		return &QueueFullError{Key: w.key, MaxDepth: w.config.MaxQueueDepth}
	}

	w.reserved++
	h.worker = w
	w.inbox <- h
	return nil
}

func (w *worker) release(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.reserved -= n
	w.mu.Unlock()
}

func (w *worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *worker) statistics() PartitionStatistics {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.snapshot
	out.Key = w.key
	out.Status = w.status
	out.QueueDepth = w.reserved
	out.Restarts = w.restarts
	out.Dispatched = w.dispatched
	out.Throttled = w.throttled
	return out
}

// notifyCancelled is invoked by Handle.Cancel.
func (w *worker) notifyCancelled(h *Handle, wasPending bool) {
	w.recorder.record(w.key, stats.KindCancelled)

	if !wasPending {
		// best-effort: the call may still complete, its result is discarded.
		h.stopCall()
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) requestDrain() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()

	w.drainOnce.Do(func() {
		close(w.drainCh)
	})
}

func (w *worker) abort() {
	w.abortOnce.Do(func() {
		close(w.abortCh)
	})
}

func (w *worker) markStopped() {
	w.setStatus(StatusStopped)
	w.quitOnce.Do(func() {
		close(w.quit)
	})
}

// reset prepares the loop state for a (re)start:
// the bucket is always fresh as the real remote state is unknown.
func (w *worker) reset(backlog *deque.Deque) {
	now := w.now()
	w.bucket = NewBucket(w.config.Capacity, w.config.RefillRate, now)
	if backlog == nil {
		backlog = newQueue()
	}
	w.queue = backlog
	w.inFlight = make(map[*Handle]struct{}, w.config.Slots)
	w.lastActive = now
}

// run is the dispatch loop. It returns on idle teardown, drain completion,
// forced shutdown, or with crashed = true if anything panicked.
func (w *worker) run() (exit runExit) {
	defer func() {
		if r := recover(); r != nil {
			exit = w.crashExit(r)
		}
	}()

	w.setStatus(StatusRunning)
	w.logger.Debug("worker loop started")

	pace := time.NewTimer(time.Hour)
	pace.Stop()
	defer pace.Stop()
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	drainC := (<-chan struct{})(w.drainCh)
	if w.drainRequested {
		drainC = nil
	}

	for {
		now := w.now()
		wait := w.dispatch(now)
		w.publish()

		var paceC, idleC <-chan time.Time
		if wait > 0 {
			pace.Reset(wait)
			paceC = pace.C
		}

		if w.queue.Len() == 0 && len(w.inFlight) == 0 {
			if w.drainRequested {
				if w.tryStop("drained") {
					return runExit{}
				}
			} else {
				idleFor := w.config.IdleTeardownAfter - now.Sub(w.lastActive)
				if idleFor <= 0 && w.tryStop("idle") {
					return runExit{}
				}
				if idleFor <= 0 {
					idleFor = minWait
				}
				idle.Reset(idleFor)
				idleC = idle.C
			}
		}

		select {
		case h := <-w.inbox:
			w.accept(h)
		case <-w.wake:
			w.purgeCancelled()
		case r := <-w.results:
			w.handleResult(r)
		case <-paceC:
		case <-idleC:
		case <-drainC:
			w.logger.Info("drain requested")
			w.drainRequested = true
			drainC = nil
		case <-w.abortCh:
			w.abortAll(&CancelledError{Reason: "dispatcher shut down"})
			return runExit{}
		}
	}
}

func (w *worker) accept(h *Handle) {
	w.lastActive = w.now()
	if !h.isPending() {
		w.release(1)
		return
	}
	w.queue.PushBack(h)
}

// purgeCancelled rebuilds the queue without the requests
// that were cancelled while waiting.
func (w *worker) purgeCancelled() {
	qLen := w.queue.Len()
	kept := newQueue()
	for i := 0; i < qLen; i++ {
		h := w.queue.At(i).(*Handle)
		if h.isPending() {
			kept.PushBack(h)
		}
	}
	removed := qLen - kept.Len()
	w.queue = kept
	w.release(removed)

	if removed > 0 {
		w.logger.Debug(fmt.Sprintf("removed %d cancelled requests from the queue", removed))
	}
}

// dispatch sends as many requests as the slots and the bucket allow.
// It returns how long to wait before more capacity is available,
// or zero if there is nothing to wait for.
func (w *worker) dispatch(now time.Time) time.Duration {
	for len(w.inFlight) < w.config.Slots && w.queue.Len() > 0 {
		h := w.queue.Front().(*Handle)
		if !h.isPending() {
			w.queue.PopFront()
			w.release(1)
			continue
		}

		if !w.bucket.TryConsume(now, 1) {
			wait := w.bucket.WaitTime(now, 1)
			w.exhaustedLog.Do(func() {
				w.logger.Debug(fmt.Sprintf("capacity exhausted with %d queued requests, waiting %v ms", w.queue.Len(), wait.Milliseconds()))
			})
			return wait
		}

		w.queue.PopFront()
		w.release(1)

		ctx, cancel := context.WithCancel(context.Background())
		h.cancelCall = cancel
		if !h.markInFlight() {
			// cancelled right before being sent
			cancel()
			w.bucket.refund(1)
			continue
		}

		w.inFlight[h] = struct{}{}
		w.lastActive = now
		w.mu.Lock()
		w.dispatched++
		w.mu.Unlock()
		w.recorder.record(w.key, stats.KindDispatched)

		go w.call(ctx, cancel, w.generation, h)
	}
	return 0
}

// call runs in its own goroutine: a panic in the transport is reported
// back to the loop instead of killing the process.
func (w *worker) call(ctx context.Context, cancel context.CancelFunc, generation uint64, h *Handle) {
	defer cancel()

	res := callResult{
		handle:     h,
		generation: generation,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.panicked = r
			}
		}()
		res.response, res.err = w.transport.Execute(ctx, h.request)
	}()

	select {
	case w.results <- res:
	case <-w.quit:
	}
}

func (w *worker) handleResult(r callResult) {
	if r.generation != w.generation {
		// leftover of a crashed run, its request was already completed.
		return
	}

	h := r.handle
	delete(w.inFlight, h)
	now := w.now()
	w.lastActive = now

	if r.panicked != nil {
		h.complete(nil, &TransportError{Key: w.key, Err: fmt.Errorf("transport panicked: %v", r.panicked)})
		w.recorder.record(w.key, stats.KindTransportError)
		panic(fmt.Sprintf("transport panicked: %v", r.panicked))
	}

	if r.err != nil {
		w.logger.Warning(fmt.Sprintf("request %s failed: %v", h.ID(), r.err))
		h.complete(nil, &TransportError{Key: w.key, Err: r.err})
		w.recorder.record(w.key, stats.KindTransportError)
		return
	}

	res := r.response
	if res == nil {
		h.complete(nil, &TransportError{Key: w.key, Err: errors.New("transport returned no response")})
		w.recorder.record(w.key, stats.KindTransportError)
		return
	}

	if res.CallLimit != nil {
		w.bucket.Observe(res.CallLimit.Remaining(), res.CallLimit.Limit, now)
	}

	if res.Throttled {
		wait := res.RetryAfter
		if wait <= 0 {
			wait = w.config.DefaultRetryAfter
		}
		w.bucket.Throttle(now, wait)

		w.logger.Warning(fmt.Sprintf("throttled by the remote service, backing off for %v ms", wait.Milliseconds()))
		w.mu.Lock()
		w.throttled++
		w.mu.Unlock()
		w.recorder.record(w.key, stats.KindThrottled)

		h.complete(nil, &RateLimitedError{Key: w.key, RetryAfter: wait, Response: res})
		return
	}

	w.recorder.record(w.key, stats.KindCompleted)
	h.complete(res, nil)
}

// tryStop stops the worker if nothing was admitted in the meanwhile.
func (w *worker) tryStop(reason string) bool {
	w.mu.Lock()
	if w.reserved > 0 {
		w.mu.Unlock()
		return false
	}
	w.status = StatusDraining
	w.mu.Unlock()

	w.logger.Debug(fmt.Sprintf("draining worker (%s)", reason))

	w.mu.Lock()
	defer w.mu.Unlock()

	// admissions are still honored while draining
	if w.reserved > 0 {
		w.status = StatusRunning
		return false
	}
	w.status = StatusStopped
	return true
}

// crashExit collects what is left of a crashed run.
// In-flight requests can't be recovered and are failed, the
// queued ones are returned to the supervisor in their original order.
func (w *worker) crashExit(cause interface{}) runExit {
	crashErr := fmt.Errorf("partition worker crashed: %v", cause)
	for h := range w.inFlight {
		h.stopCall()
		h.abort(&TransportError{Key: w.key, Err: crashErr})
	}
	w.inFlight = nil
	w.generation++

	backlog := w.queue
	w.queue = nil

	w.setStatus(StatusStarting)
	return runExit{
		crashed: true,
		cause:   cause,
		backlog: backlog,
	}
}

// abortAll completes every pending and in-flight request with err
// and stops the worker.
func (w *worker) abortAll(err error) {
	for h := range w.inFlight {
		h.stopCall()
		h.abort(err)
	}
	w.inFlight = nil
	w.generation++

	w.stopWith(w.queue, err)
	w.queue = nil
}

// stopWith stops accepting requests for good, failing the backlog
// and everything still in the inbox with err.
func (w *worker) stopWith(backlog *deque.Deque, err error) {
	w.mu.Lock()
	w.status = StatusStopped

	failed := 0
	if backlog != nil {
		for backlog.Len() > 0 {
			h := backlog.PopFront().(*Handle)
			if h.fail(err) {
				failed++
			}
		}
	}

	// no admission can happen anymore: the inbox can be drained safely.
	for len(w.inbox) > 0 {
		h := <-w.inbox
		if h.fail(err) {
			failed++
		}
	}
	w.reserved = 0
	w.mu.Unlock()

	if failed > 0 {
		w.logger.Warning(fmt.Sprintf("failed %d pending requests: %v", failed, err))
	}
}

func (w *worker) publish() {
	w.mu.Lock()
	w.snapshot = PartitionStatistics{
		InFlight:     len(w.inFlight),
		Available:    w.bucket.Available(),
		Capacity:     w.bucket.Capacity(),
		BlockedUntil: w.bucket.BlockedUntil(),
	}
	w.mu.Unlock()
}

// recordCrash returns the amount of crashes within the restart window,
// the current one included.
func (w *worker) recordCrash(now time.Time) int {
	kept := w.crashes[:0]
	for _, t := range w.crashes {
		if now.Sub(t) < w.config.RestartWindow {
			kept = append(kept, t)
		}
	}
	w.crashes = append(kept, now)
	return len(w.crashes)
}

func (w *worker) restarted() {
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()
}
