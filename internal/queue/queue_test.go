package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/inspect"
	"github.com/csinspect/inspectd/internal/job"
)

type fakeReady struct {
	n atomic.Int32
}

func (f *fakeReady) ReadyCount() int { return int(f.n.Load()) }

func testEntry(assetID, ip string, priority, maxAttempts int, j *job.Job) *Entry {
	return &Entry{
		Link:        &inspect.Link{S: "1", A: assetID, D: "2", M: "0"},
		IP:          ip,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Job:         j,
	}
}

func discardJob(links ...string) *job.Job {
	j := job.New("test", true, func(interface{}) {})
	for _, a := range links {
		j.Add(&inspect.Link{S: "1", A: a, D: "2", M: "0"}, nil)
	}
	return j
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStrictPriorityOrder(t *testing.T) {
	ready := &fakeReady{}

	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, e *Entry) (time.Duration, error) {
		mu.Lock()
		order = append(order, e.Link.A)
		mu.Unlock()
		return 0, nil
	}

	q := New(ready, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	j := discardJob("p3", "p1", "p5", "p2")
	q.Enqueue(testEntry("p3", "ip", 3, 1, j))
	q.Enqueue(testEntry("p1", "ip", 1, 1, j))
	q.Enqueue(testEntry("p5", "ip", 5, 1, j))
	q.Enqueue(testEntry("p2", "ip", 2, 1, j))

	// Nothing dispatches before a bot is ready.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	dispatched := len(order)
	mu.Unlock()
	if dispatched != 0 {
		t.Fatalf("dispatched %d entries with zero ready bots", dispatched)
	}

	ready.n.Store(1)
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"p1", "p2", "p3", "p5"}
	for i, a := range want {
		if order[i] != a {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestPriorityClamp(t *testing.T) {
	for _, p := range []int{0, -1, 6, 100} {
		if got := ClampPriority(p); got != DefaultPriority {
			t.Fatalf("ClampPriority(%d) = %d, want %d", p, got, DefaultPriority)
		}
	}
	for p := MinPriority; p <= MaxPriority; p++ {
		if got := ClampPriority(p); got != p {
			t.Fatalf("ClampPriority(%d) = %d", p, got)
		}
	}
}

func TestUserAccountingDecrementsOncePerEntry(t *testing.T) {
	ready := &fakeReady{}
	ready.n.Store(2)

	handler := func(ctx context.Context, e *Entry) (time.Duration, error) {
		if e.Link.A == "fail" {
			return 0, errors.New("wire error")
		}
		return 0, nil
	}

	q := New(ready, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	j := discardJob("ok", "fail")
	q.Enqueue(testEntry("ok", "10.0.0.1", 1, 1, j))
	q.Enqueue(testEntry("fail", "10.0.0.1", 1, 1, j))

	if got := q.UserQueued("10.0.0.1"); got != 2 {
		t.Fatalf("UserQueued = %d before dispatch, want 2", got)
	}

	// Both entries terminal (one success, one exhausted after a single
	// attempt): the caller count must reach exactly zero.
	waitFor(t, 2*time.Second, func() bool { return q.UserQueued("10.0.0.1") == 0 })
	waitFor(t, time.Second, func() bool { return q.ProcessingCount() == 0 })
	if q.Size() != 0 {
		t.Fatalf("Size = %d after settle, want 0", q.Size())
	}
}

func TestNoBotsAvailableDoesNotConsumeAttempt(t *testing.T) {
	ready := &fakeReady{}
	ready.n.Store(1)

	var rejections atomic.Int32
	handler := func(ctx context.Context, e *Entry) (time.Duration, error) {
		if rejections.Add(1) <= 3 {
			return 0, apierr.NoBotsAvailable
		}
		return 0, nil
	}

	q := New(ready, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	e := testEntry("1", "ip", 1, 1, discardJob("1"))
	q.Enqueue(e)

	waitFor(t, 2*time.Second, func() bool { return q.UserQueued("ip") == 0 })
	if e.Attempts != 0 {
		t.Fatalf("Attempts = %d after NoBotsAvailable rejections, want 0", e.Attempts)
	}
	if got := rejections.Load(); got != 4 {
		t.Fatalf("handler invoked %d times, want 4", got)
	}
}

func TestRetryBackoffAndExhaustion(t *testing.T) {
	ready := &fakeReady{}
	ready.n.Store(1)

	var calls atomic.Int32
	var firstRetryGap atomic.Int64
	var lastCall atomic.Int64
	handler := func(ctx context.Context, e *Entry) (time.Duration, error) {
		now := time.Now().UnixNano()
		if prev := lastCall.Swap(now); prev != 0 && calls.Load() == 1 {
			firstRetryGap.Store(now - prev)
		}
		calls.Add(1)
		return 0, apierr.TTLExceeded
	}

	q := New(ready, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var payload interface{}
	done := make(chan struct{})
	j := job.New("ip", false, func(p interface{}) {
		payload = p
		close(done)
	})
	link := &inspect.Link{S: "1", A: "7", D: "2", M: "0"}
	j.Add(link, nil)

	e := &Entry{Link: link, IP: "ip", Priority: 1, MaxAttempts: 2, Job: j}
	q.Enqueue(e)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never flushed")
	}

	if e.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", e.Attempts)
	}
	if calls.Load() != 2 {
		t.Fatalf("handler invoked %d times, want 2", calls.Load())
	}
	// First retry is delayed by 1000 · 2^0 ms.
	if gap := time.Duration(firstRetryGap.Load()); gap < 900*time.Millisecond {
		t.Fatalf("retry gap %v, want >= ~1s", gap)
	}
	apiErr, ok := payload.(*apierr.Error)
	if !ok || apiErr.Code != apierr.TTLExceeded.Code {
		t.Fatalf("payload = %#v, want TTLExceeded envelope", payload)
	}
	if got := q.UserQueued("ip"); got != 0 {
		t.Fatalf("UserQueued = %d after exhaustion, want 0", got)
	}
}

func TestSuccessDelayHoldsSlot(t *testing.T) {
	ready := &fakeReady{}
	ready.n.Store(1)

	var mu sync.Mutex
	var starts []time.Time
	handler := func(ctx context.Context, e *Entry) (time.Duration, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return 200 * time.Millisecond, nil
	}

	q := New(ready, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	j := discardJob("1", "2")
	q.Enqueue(testEntry("1", "ip", 1, 1, j))
	q.Enqueue(testEntry("2", "ip", 1, 1, j))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == 2
	})

	mu.Lock()
	gap := starts[1].Sub(starts[0])
	mu.Unlock()
	if gap < 150*time.Millisecond {
		t.Fatalf("second dispatch after %v, want the pacing delay to hold the slot", gap)
	}
}

func TestShutdownRejectsQueued(t *testing.T) {
	ready := &fakeReady{} // zero ready bots: nothing dispatches

	q := New(ready, func(ctx context.Context, e *Entry) (time.Duration, error) {
		return 0, nil
	})

	var payload interface{}
	done := make(chan struct{})
	j := job.New("ip", false, func(p interface{}) {
		payload = p
		close(done)
	})
	link := &inspect.Link{S: "1", A: "9", D: "2", M: "0"}
	j.Add(link, nil)
	q.Enqueue(&Entry{Link: link, IP: "ip", Priority: 2, MaxAttempts: 1, Job: j})

	q.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not flush the job")
	}
	apiErr, ok := payload.(*apierr.Error)
	if !ok || apiErr.Code != apierr.GenericBad.Code {
		t.Fatalf("payload = %#v, want GenericBad envelope", payload)
	}
	if apiErr.Message != "Server is shutting down" {
		t.Fatalf("message = %q, want the shutdown message", apiErr.Message)
	}
	if q.Size() != 0 || q.UserQueued("ip") != 0 {
		t.Fatal("queue not drained on shutdown")
	}
}
