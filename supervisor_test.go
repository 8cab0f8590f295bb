package exshopify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diggleweb/exshopify/stats"
)

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	s := &supervisor{config: &effectiveConfig{
		RestartBackoff:    100 * time.Millisecond,
		MaxRestartBackoff: time.Second,
	}}

	assert.Equal(t, 100*time.Millisecond, s.backoff(1))
	assert.Equal(t, 200*time.Millisecond, s.backoff(2))
	assert.Equal(t, 400*time.Millisecond, s.backoff(3))
	assert.Equal(t, 800*time.Millisecond, s.backoff(4))
	assert.Equal(t, time.Second, s.backoff(5))
	assert.Equal(t, time.Second, s.backoff(50))
}

func TestCrashedWorkerIsRestartedWithItsBacklog(t *testing.T) {
	gate := make(chan struct{})
	store := stats.NewMemoryStore()
	td := buildDispatcher(t, func(c *Config) {
		c.MaxRestartsPerWindow = 3
		c.StatsStore = store
	})
	td.Transport.SetHandler(func(ctx context.Context, req *Request) (*Response, error) {
		if req.ID == "boom" {
			<-gate
			panic("kaboom")
		}
		return okResponse(), nil
	})

	boom := td.Submit(t, "shop-a", "boom")
	queued := []*Handle{
		td.Submit(t, "shop-a", "a1"),
		td.Submit(t, "shop-a", "a2"),
	}
	other := td.Submit(t, "shop-b", "b0")
	waitAll(t, other)

	close(gate)
	waitAll(t, append(queued, boom)...)

	_, err := boom.Result()
	assert.True(t, errors.Is(err, ErrTransport))

	for _, h := range queued {
		_, err := h.Result()
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"boom", "a1", "a2"}, td.Transport.IDs("shop-a"))

	st, err := td.Instance.Stats("shop-a")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Restarts)

	// a restarted worker starts with a full bucket
	assert.Equal(t, DefaultCapacityPerPartition, st.Capacity)

	assert.True(t, td.Logger.Contains("worker crashed"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, td.Instance.Shutdown(ctx))
	assert.Equal(t, int64(1), store.Total()[stats.KindRestarted])
	assert.Equal(t, int64(0), store.Total()[stats.KindUnavailable])
}

func TestCrashLoopMakesPartitionUnavailable(t *testing.T) {
	gate := make(chan struct{})
	store := stats.NewMemoryStore()
	td := buildDispatcher(t, func(c *Config) {
		c.MaxRestartsPerWindow = 2
		c.RestartWindow = time.Minute
		c.MaxRestartBackoff = 5 * time.Millisecond
		c.StatsStore = store
	})
	td.Transport.SetHandler(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Target == "shop-a" {
			<-gate
			panic(fmt.Sprintf("cannot handle %s", req.ID))
		}
		return okResponse(), nil
	})

	handles := make([]*Handle, 0)
	for i := 0; i < 5; i++ {
		handles = append(handles, td.Submit(t, "shop-a", fmt.Sprintf("a%d", i)))
	}
	close(gate)
	waitAll(t, handles...)

	// three crashes: the third one is over the limit
	for _, h := range handles[:3] {
		_, err := h.Result()
		assert.True(t, errors.Is(err, ErrTransport), "request %s", h.ID())
	}
	for _, h := range handles[3:] {
		_, err := h.Result()
		assert.True(t, errors.Is(err, ErrPartitionUnavailable), "request %s", h.ID())

		var unavailable *PartitionUnavailableError
		require.True(t, errors.As(err, &unavailable))
		assert.Equal(t, PartitionKey("shop-a"), unavailable.Key)
		assert.Equal(t, 3, unavailable.Crashes)
	}
	assert.Equal(t, []string{"a0", "a1", "a2"}, td.Transport.IDs("shop-a"))

	require.Eventually(t, func() bool {
		return len(td.Instance.Partitions()) == 0
	}, testTimeout, time.Millisecond)

	// other partitions keep working
	b := td.Submit(t, "shop-b", "b0")
	waitAll(t, b)
	_, err := b.Result()
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, td.Instance.Shutdown(ctx))
	assert.Equal(t, int64(2), store.Total()[stats.KindRestarted])
	assert.Equal(t, int64(1), store.Total()[stats.KindUnavailable])
}

func TestOldCrashesLeaveTheWindow(t *testing.T) {
	w := newWorker("shop-a", &effectiveConfig{
		MaxQueueDepth: 1,
		Slots:         1,
		RestartWindow: time.Minute,
	}, &fakeTransport{}, NewNoOpLogger(), nil)

	start := time.Unix(1000, 0)
	assert.Equal(t, 1, w.recordCrash(start))
	assert.Equal(t, 2, w.recordCrash(start.Add(10*time.Second)))
	assert.Equal(t, 3, w.recordCrash(start.Add(50*time.Second)))

	// the first crash is now out of the window
	assert.Equal(t, 3, w.recordCrash(start.Add(61*time.Second)))
	// and the second one too
	assert.Equal(t, 3, w.recordCrash(start.Add(75*time.Second)))
	assert.Equal(t, 1, w.recordCrash(start.Add(10*time.Minute)))
}

func TestCrashWindowFollowsTheConfiguredClock(t *testing.T) {
	clock := newTestClock()
	td := buildDispatcher(t, func(c *Config) {
		c.MaxRestartsPerWindow = 1
		c.RestartWindow = time.Minute
		c.IdleTeardownAfter = time.Hour
		c.TimeFunc = clock.Now
	})
	td.Transport.SetHandler(func(ctx context.Context, req *Request) (*Response, error) {
		if strings.HasPrefix(req.ID, "boom") {
			panic("kaboom")
		}
		return okResponse(), nil
	})

	boom := td.Submit(t, "shop-a", "boom1")
	waitAll(t, boom)
	require.Eventually(t, func() bool {
		st, err := td.Instance.Stats("shop-a")
		return err == nil && st.Restarts == 1 && st.Status == StatusRunning
	}, testTimeout, time.Millisecond)

	// the first crash is out of the window: the second one is restarted too
	clock.TimeTravel(2 * time.Minute)
	boom = td.Submit(t, "shop-a", "boom2")
	waitAll(t, boom)
	_, err := boom.Result()
	assert.True(t, errors.Is(err, ErrTransport))

	ok := td.Submit(t, "shop-a", "ok")
	waitAll(t, ok)
	_, err = ok.Result()
	assert.NoError(t, err)

	st, err := td.Instance.Stats("shop-a")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Restarts)
}

func TestShutdownDuringRestartBackoff(t *testing.T) {
	gate := make(chan struct{})
	td := buildDispatcher(t, func(c *Config) {
		c.RestartBackoff = time.Hour
		c.MaxRestartBackoff = time.Hour
	})
	td.Transport.SetHandler(func(ctx context.Context, req *Request) (*Response, error) {
		if req.ID == "boom" {
			<-gate
			panic("kaboom")
		}
		return okResponse(), nil
	})

	boom := td.Submit(t, "shop-a", "boom")
	queued := td.Submit(t, "shop-a", "a1")
	close(gate)
	waitAll(t, boom)

	require.Eventually(t, func() bool {
		return td.Logger.Contains("restarting worker")
	}, testTimeout, time.Millisecond)

	// the drain request cuts the backoff short to flush the backlog
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, td.Instance.Shutdown(ctx))

	waitAll(t, queued)
	_, err := queued.Result()
	assert.NoError(t, err)
	assert.Equal(t, []string{"boom", "a1"}, td.Transport.IDs("shop-a"))
}
