// Package queue is the multi-priority dispatch scheduler: five FIFO lanes
// with strict-priority dequeue, per-caller accounting, retry bookkeeping
// and a concurrency ceiling that tracks the number of ready bots.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/inspect"
	"github.com/csinspect/inspectd/internal/job"
)

const (
	// Lane bounds; lane 1 is the highest priority.
	MinPriority = 1
	MaxPriority = 5
	// Treat missing or out-of-range priorities as 4.
	DefaultPriority = 4

	// Cadence of the concurrency adjustment tick.
	concurrencyTick = 50 * time.Millisecond
	// Base of the retry backoff: 1000 · 2^(attempts−1) ms.
	retryBackoffBase = time.Second
)

// Entry is one link's trip through the scheduler.
type Entry struct {
	Link        *inspect.Link
	IP          string
	Priority    int
	MaxAttempts int
	Attempts    int
	Price       *uint64
	Job         *job.Job
}

// Handler resolves one entry, returning the post-success pacing delay the
// scheduler must wait before releasing the concurrency slot.
type Handler func(ctx context.Context, e *Entry) (delay time.Duration, err error)

// ReadyCounter is the slice of the bot controller the scheduler depends on.
type ReadyCounter interface {
	ReadyCount() int
}

// Queue is safe for concurrent use. Lane and accounting mutations happen
// under one mutex; handler invocations run concurrently up to the
// concurrency ceiling.
type Queue struct {
	mu    sync.Mutex
	lanes [MaxPriority + 1]*list.List // index 1..5
	users map[string]int

	handler Handler
	ready   ReadyCounter

	concurrency int
	active      int
	checking    bool
	paused      bool

	ctx context.Context
}

// New creates a scheduler over the given fleet view.
func New(ready ReadyCounter, handler Handler) *Queue {
	q := &Queue{
		users:   make(map[string]int),
		handler: handler,
		ready:   ready,
	}
	for i := MinPriority; i <= MaxPriority; i++ {
		q.lanes[i] = list.New()
	}
	return q
}

// ClampPriority normalizes a requested priority to the valid lane range.
func ClampPriority(p int) int {
	if p < MinPriority || p > MaxPriority {
		return DefaultPriority
	}
	return p
}

// Enqueue appends an entry to the tail of its lane and charges the caller.
func (q *Queue) Enqueue(e *Entry) {
	e.Priority = ClampPriority(e.Priority)
	q.mu.Lock()
	q.lanes[e.Priority].PushBack(e)
	q.users[e.IP]++
	q.mu.Unlock()
	q.checkQueue()
}

// Size returns the number of queued (not in-flight) entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := MinPriority; i <= MaxPriority; i++ {
		n += q.lanes[i].Len()
	}
	return n
}

// ProcessingCount returns the number of in-flight entries.
func (q *Queue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Concurrency returns the current dispatch ceiling.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// UserQueued returns the caller's outstanding entries (queued + in-flight).
func (q *Queue) UserQueued(ip string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.users[ip]
}

// Start launches the concurrency adjustment loop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx = ctx
	go func() {
		ticker := time.NewTicker(concurrencyTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.Shutdown()
				return
			case <-ticker.C:
				q.mu.Lock()
				q.concurrency = q.ready.ReadyCount()
				q.mu.Unlock()
				// Unconditional: besides concurrency growth this also
				// redispatches entries requeued by a NoBotsAvailable
				// rejection, spacing those retries by the tick.
				q.checkQueue()
			}
		}
	}()
}

// Pause stops dequeueing; queued entries stay put.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dequeueing.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.checkQueue()
}

// Shutdown pauses the queue and rejects everything still queued.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.paused = true
	var rejected []*Entry
	for i := MinPriority; i <= MaxPriority; i++ {
		for el := q.lanes[i].Front(); el != nil; el = el.Next() {
			rejected = append(rejected, el.Value.(*Entry))
		}
		q.lanes[i].Init()
	}
	for _, e := range rejected {
		q.users[e.IP]--
		if q.users[e.IP] <= 0 {
			delete(q.users, e.IP)
		}
	}
	q.mu.Unlock()

	shutdownErr := apierr.GenericBad.WithMessage("Server is shutting down")
	for _, e := range rejected {
		e.Job.SetError(e.Link.A, shutdownErr)
	}
	if len(rejected) > 0 {
		log.Info().Int("entries", len(rejected)).Msg("Queue drained on shutdown")
	}
}

// checkQueue dispatches from the highest non-empty lane while slots are
// free. The guard keeps at most one invocation descheduling at a time;
// dispatches themselves run concurrently.
func (q *Queue) checkQueue() {
	q.mu.Lock()
	if q.checking {
		q.mu.Unlock()
		return
	}
	q.checking = true

	for !q.paused && q.active < q.concurrency {
		e := q.popLocked()
		if e == nil {
			break
		}
		q.active++
		go q.dispatch(e)
	}

	q.checking = false
	q.mu.Unlock()
}

// popLocked takes the head of the first non-empty lane, scanning 1..5.
func (q *Queue) popLocked() *Entry {
	for i := MinPriority; i <= MaxPriority; i++ {
		if el := q.lanes[i].Front(); el != nil {
			q.lanes[i].Remove(el)
			return el.Value.(*Entry)
		}
	}
	return nil
}

func (q *Queue) dispatch(e *Entry) {
	ctx := q.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	delay, err := q.handler(ctx, e)
	if err == nil {
		// Hold the slot for the bot's pacing delay before releasing it.
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		q.settle(e)
		return
	}

	if errors.Is(err, apierr.NoBotsAvailable) {
		// Does not consume an attempt; back to the head of its lane.
		q.requeueHead(e)
		return
	}

	e.Attempts++
	if e.Attempts >= e.MaxAttempts {
		log.Warn().
			Str("a", e.Link.A).
			Str("ip", e.IP).
			Int("attempts", e.Attempts).
			Err(err).
			Msg("Job failed")
		e.Job.SetError(e.Link.A, terminalError(err))
		q.settle(e)
		return
	}

	backoff := retryBackoffBase << (e.Attempts - 1)
	q.releaseSlot()
	time.AfterFunc(backoff, func() {
		q.mu.Lock()
		q.lanes[e.Priority].PushFront(e)
		q.mu.Unlock()
		q.checkQueue()
	})
}

// settle releases the slot and discharges the caller exactly once.
func (q *Queue) settle(e *Entry) {
	q.mu.Lock()
	q.active--
	q.users[e.IP]--
	if q.users[e.IP] <= 0 {
		delete(q.users, e.IP)
	}
	q.mu.Unlock()
	q.checkQueue()
}

func (q *Queue) requeueHead(e *Entry) {
	q.mu.Lock()
	q.active--
	q.lanes[e.Priority].PushFront(e)
	q.mu.Unlock()
	// Next dispatch happens on the concurrency tick, which also spaces
	// retries while the fleet has no free slot.
}

func (q *Queue) releaseSlot() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.checkQueue()
}

// terminalError maps an exhausted entry's last error onto the envelope.
// Request errors surface as TTLExceeded; anything unexpected is GenericBad.
func terminalError(err error) *apierr.Error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return apierr.TTLExceeded
}
