package exshopify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/diggleweb/exshopify/stats"
)

// PartitionKey identifies the remote account a request is for.
// Requests sharing a key share the same rate limit and are dispatched in order.
type PartitionKey string

// KeyFunc derives the partition key of a request.
type KeyFunc func(req *Request) (PartitionKey, error)

// DefaultKeyFunc uses the lower-cased request target.
func DefaultKeyFunc(req *Request) (PartitionKey, error) {
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		return "", &InvalidRequestError{Reason: "request target is required"}
	}
	return PartitionKey(target), nil
}

// Dispatcher queues outbound requests per partition and releases them
// at the pace allowed by the remote rate limit of each partition.
//
// You are encouraged to use this type when storing references
// to your dispatcher in order to allow for easier testing.
type Dispatcher interface {
	// Submit admits a request and returns immediately.
	// The partition is derived from the request with the configured KeyFunc.
	//
	// QueueFull, InvalidRequest and DispatcherClosed errors are returned
	// right away and no Handle is created. Every other outcome is delivered
	// through the returned Handle.
	//
	// The request is copied: a random ID is assigned if it has none.
	Submit(req *Request) (*Handle, error)

	// SubmitTo is like Submit with an explicit partition key.
	SubmitTo(key PartitionKey, req *Request) (*Handle, error)

	// Do submits a request and waits for its outcome.
	// If the context is done first, the request is cancelled
	// and the context error is returned.
	//
	// You can check the returned error with errors.Is against
	// the sentinels exshopify.ErrRateLimited, exshopify.ErrTransport and so on,
	// or you can cast them to the matching types if you need additional info.
	Do(ctx context.Context, req *Request) (*Response, error)

	// Cancel withdraws a submitted request, see Handle.Cancel.
	Cancel(h *Handle) bool

	// Stats returns runtime statistics for an active partition.
	// An UnknownPartitionError is returned if no worker is active for the key.
	Stats(key PartitionKey) (PartitionStatistics, error)

	// Partitions returns the keys of the active partitions, sorted.
	Partitions() []PartitionKey

	// ForPartition returns a simplified proxy bound to a single partition.
	//
	// Please note that this does not create a new dispatcher instance,
	// it just proxies the calls to the current one adding a fixed key.
	ForPartition(key PartitionKey) PartitionDispatcher

	// Shutdown stops accepting requests and waits for every partition
	// to flush its queue. When the context is done first, the requests still
	// pending are completed with a CancelledError and the context error
	// is returned.
	Shutdown(ctx context.Context) error
}

type dispatcher struct {
	config    *effectiveConfig
	transport Transport
	keyFunc   KeyFunc
	logger    Logger

	recorder   *recorder
	registry   *registry
	supervisor *supervisor

	closed atomic.Bool
}

var _ Dispatcher = &dispatcher{}

func newDispatcher(config *effectiveConfig, transport Transport, keyFunc KeyFunc, store stats.Store, logger Logger) *dispatcher {
	d := &dispatcher{
		config:    config,
		transport: transport,
		keyFunc:   keyFunc,
		logger:    logger,
		recorder:  newRecorder(store, logger, config.TimeFunc),
	}

	d.registry = newRegistry(d.buildWorker, d.startWorker)
	d.supervisor = &supervisor{
		config:   config,
		registry: d.registry,
		recorder: d.recorder,
		logger:   logger,
	}
	return d
}

func (d *dispatcher) buildWorker(key PartitionKey) *worker {
	return newWorker(key, d.config, d.transport, d.logger, d.recorder)
}

func (d *dispatcher) startWorker(w *worker) {
	d.logger.Debug(fmt.Sprintf("starting worker for partition %s", w.key))
	go d.supervisor.supervise(w)
}

func (d *dispatcher) Submit(req *Request) (*Handle, error) {
	if req == nil {
		return nil, &InvalidRequestError{Reason: "request is required"}
	}
	key, err := d.keyFunc(req)
	if err != nil {
		return nil, err
	}
	return d.SubmitTo(key, req)
}

func (d *dispatcher) SubmitTo(key PartitionKey, req *Request) (*Handle, error) {
	if req == nil {
		return nil, &InvalidRequestError{Reason: "request is required"}
	}
	if strings.TrimSpace(string(key)) == "" {
		return nil, &InvalidRequestError{Reason: "partition key must not be blank"}
	}
	if d.closed.Load() {
		return nil, &DispatcherClosedError{}
	}

	own := *req
	if own.ID == "" {
		own.ID = uuid.NewString()
	}
	h := newHandle(&own, key, d.config.TimeFunc())

	for {
		w := d.registry.getOrCreate(key)
		if w == nil {
			return nil, &DispatcherClosedError{}
		}

		err := w.admit(h)
		if err == nil {
			return h, nil
		}
		if errors.Is(err, errWorkerStopped) {
			// stopped right after being resolved, a new one will be created
			continue
		}
		if errors.Is(err, ErrQueueFull) {
			d.recorder.record(key, stats.KindQueueFull)
		}
		return nil, err
	}
}

func (d *dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	h, err := d.Submit(req)
	if err != nil {
		return nil, err
	}
	return waitOrCancel(ctx, h)
}

// waitOrCancel waits for h, cancelling it if ctx is done first.
func waitOrCancel(ctx context.Context, h *Handle) (*Response, error) {
	select {
	case <-h.Done():
		return h.Result()
	case <-ctx.Done():
		if h.Cancel() {
			return nil, ctx.Err()
		}
		// completed in the meanwhile
		return h.Result()
	}
}

func (d *dispatcher) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	return h.Cancel()
}

func (d *dispatcher) Stats(key PartitionKey) (PartitionStatistics, error) {
	w := d.registry.get(key)
	if w == nil {
		return PartitionStatistics{}, &UnknownPartitionError{Key: key}
	}
	return w.statistics(), nil
}

func (d *dispatcher) Partitions() []PartitionKey {
	return d.registry.keys()
}

func (d *dispatcher) ForPartition(key PartitionKey) PartitionDispatcher {
	if strings.TrimSpace(string(key)) == "" {
		panic("partition key must not be blank")
	}
	return &partitionProxy{
		proxied: d,
		key:     key,
	}
}

func (d *dispatcher) Shutdown(ctx context.Context) error {
	d.closed.Store(true)

	workers := d.registry.close()
	d.logger.Info(fmt.Sprintf("shutting down, draining %d partitions", len(workers)))

	var g errgroup.Group
	for _, w := range workers {
		w := w
		w.requestDrain()

		g.Go(func() error {
			select {
			case <-w.quit:
				return nil
			case <-ctx.Done():
				w.abort()
				<-w.quit
				return ctx.Err()
			}
		})
	}

	err := g.Wait()
	d.recorder.close()

	if err != nil {
		d.logger.Warning(fmt.Sprintf("shutdown interrupted, pending requests were cancelled: %v", err))
		return err
	}
	d.logger.Info("shutdown completed")
	return nil
}
