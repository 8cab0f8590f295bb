package exshopify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/diggleweb/exshopify/stats"
)

const (
	recorderBufferSize    = 1024
	recorderRecordTimeout = 2 * time.Second
)

// recorder forwards dispatch events to a stats.Store from a single
// goroutine so that a slow store never holds back a partition worker.
//
// A nil recorder is valid and discards everything.
type recorder struct {
	store  stats.Store
	logger Logger
	now    func() time.Time
	events chan stats.Event

	dropLog  rate.Sometimes
	errorLog rate.Sometimes

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newRecorder(store stats.Store, logger Logger, now func() time.Time) *recorder {
	if store == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	r := &recorder{
		store:    store,
		logger:   logger,
		now:      now,
		events:   make(chan stats.Event, recorderBufferSize),
		dropLog:  rate.Sometimes{Interval: 5 * time.Second},
		errorLog: rate.Sometimes{Interval: 5 * time.Second},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *recorder) record(key PartitionKey, kind stats.Kind) {
	if r == nil {
		return
	}
	ev := stats.Event{Key: string(key), Kind: kind, At: r.now()}
	select {
	case r.events <- ev:
	default:
		r.dropLog.Do(func() {
			r.logger.Warning(fmt.Sprintf("stats store is lagging behind, dropping %s event for %s", kind, key))
		})
	}
}

func (r *recorder) loop() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.write(ev)
		case <-r.stop:
			// flush what was already queued
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *recorder) write(ev stats.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderRecordTimeout)
	defer cancel()

	if err := r.store.Record(ctx, ev); err != nil {
		r.errorLog.Do(func() {
			r.logger.Warning(fmt.Sprintf("error recording stats: %v", err))
		})
	}
}

// close flushes the pending events and stops the recorder.
// Events recorded afterwards are never written.
func (r *recorder) close() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}
