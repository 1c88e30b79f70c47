package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	if os.Getenv("CONDUCTOR_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueueProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string

	q := NewQueue("test", 1, func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.EventMeta().Source)
		mu.Unlock()
		return nil
	}, testLogger())
	q.Start(context.Background())

	for i := 0; i < 5; i++ {
		q.Push(&PageApproved{Meta: NewMeta(fmt.Sprintf("src-%d", i))})
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"src-0", "src-1", "src-2", "src-3", "src-4"}, got)
}

func TestQueueBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	q := NewQueue("test", 2, func(_ context.Context, _ Event) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}, testLogger())
	q.Start(context.Background())

	for i := 0; i < 6; i++ {
		q.Push(&PRMerged{Meta: NewMeta("test"), PRNumber: i})
	}

	// Give the pool a moment to pick up as much as it is allowed to.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, q.Depth())

	close(release)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

func TestQueueSurvivesWorkerErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	q := NewQueue("test", 1, func(_ context.Context, ev Event) error {
		n := ev.(*PRMerged).PRNumber
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		switch n {
		case 1:
			return fmt.Errorf("job %d failed", n)
		case 2:
			panic("worker blew up")
		}
		return nil
	}, testLogger())
	q.Start(context.Background())

	for i := 0; i < 4; i++ {
		q.Push(&PRMerged{Meta: NewMeta("test"), PRNumber: i})
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
}

func TestQueueHoldsEventsUntilStart(t *testing.T) {
	var mu sync.Mutex
	count := 0

	q := NewQueue("test", 1, func(_ context.Context, _ Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, testLogger())

	q.Push(&PRApproved{Meta: NewMeta("test"), PRNumber: 1})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()
	assert.Equal(t, 1, q.Depth())

	q.Start(context.Background())
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestQueueDestroyDropsPendingButFinishesInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	done := 0

	q := NewQueue("test", 1, func(_ context.Context, _ Event) error {
		close(started)
		<-release
		mu.Lock()
		done++
		mu.Unlock()
		return nil
	}, testLogger())
	q.Start(context.Background())

	q.Push(&PRMerged{Meta: NewMeta("test"), PRNumber: 1})
	q.Push(&PRMerged{Meta: NewMeta("test"), PRNumber: 2})
	<-started

	q.Destroy()
	q.Destroy() // idempotent

	// Pushes after Destroy are dropped.
	q.Push(&PRMerged{Meta: NewMeta("test"), PRNumber: 3})

	close(release)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, done, "only the in-flight job should have completed")
	assert.True(t, q.Idle())
}

func TestQueueWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	q := NewQueue("test", 1, func(_ context.Context, _ Event) error {
		<-release
		return nil
	}, testLogger())
	q.Start(context.Background())
	q.Push(&PRMerged{Meta: NewMeta("test"), PRNumber: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)
}
