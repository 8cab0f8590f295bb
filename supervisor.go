package exshopify

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"

	"github.com/diggleweb/exshopify/stats"
)

// supervisor runs the worker loops and restarts the ones that crash.
type supervisor struct {
	config   *effectiveConfig
	registry *registry
	recorder *recorder
	logger   Logger
}

// supervise runs w until it stops for good, then evicts it from the registry.
//
// A crashed loop is restarted with a fresh bucket and the requests it had
// queued, ahead of anything admitted while it was down. Too many crashes
// within the restart window make the partition unavailable.
func (s *supervisor) supervise(w *worker) {
	defer func() {
		s.registry.remove(w.key, w)
		w.markStopped()
		w.logger.Debug("worker stopped")
	}()

	var backlog *deque.Deque
	for {
		w.reset(backlog)
		exit := w.run()

		if !exit.crashed {
			return
		}

		backlog = exit.backlog
		crashes := w.recordCrash(w.now())
		w.logger.Error(fmt.Sprintf("worker crashed (%d times in the last %v): %v", crashes, s.config.RestartWindow, exit.cause))

		if crashes > s.config.MaxRestarts {
			w.stopWith(backlog, &PartitionUnavailableError{
				Key:     w.key,
				Crashes: crashes,
				Window:  s.config.RestartWindow,
			})
			s.recorder.record(w.key, stats.KindUnavailable)
			w.logger.Error("too many crashes, giving up on the partition")
			return
		}

		delay := s.backoff(crashes)
		w.logger.Info(fmt.Sprintf("restarting worker in %v ms", delay.Milliseconds()))

		if !s.sleep(w, delay) {
			w.stopWith(backlog, &CancelledError{Reason: "dispatcher shut down"})
			return
		}

		w.restarted()
		s.recorder.record(w.key, stats.KindRestarted)
	}
}

// sleep waits for the restart delay. A drain request cuts it short
// so the backlog can be flushed; it returns false on forced shutdown.
func (s *supervisor) sleep(w *worker, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.drainCh:
		return true
	case <-w.abortCh:
		return false
	}
}

// backoff returns RestartBackoff * 2^(crashes-1), capped to MaxRestartBackoff.
func (s *supervisor) backoff(crashes int) time.Duration {
	delay := s.config.RestartBackoff
	for i := 1; i < crashes && delay < s.config.MaxRestartBackoff; i++ {
		delay *= 2
	}
	if delay > s.config.MaxRestartBackoff {
		delay = s.config.MaxRestartBackoff
	}
	return delay
}
