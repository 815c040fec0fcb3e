// Package job correlates asynchronous inspect responses with one inbound
// HTTP request. A job holds an ordered set of links and flushes its HTTP
// response exactly once, when no entry is left pending.
package job

import (
	"sync"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/inspect"
)

type entryState int

const (
	statePending entryState = iota
	stateOk
	stateErr
)

// Entry is one link within a job.
type Entry struct {
	Link  *inspect.Link
	Price *uint64

	state entryState
	item  *inspect.Item
	err   *apierr.Error
}

// Job aggregates responses for one HTTP request. Safe for concurrent use.
type Job struct {
	mu      sync.Mutex
	ip      string
	bulk    bool
	order   []string
	entries map[string]*Entry

	respond func(payload interface{})
	flushed bool
	done    chan struct{}
}

// New creates a job. respond is invoked exactly once with the response
// payload: a single object when bulk is false, an array otherwise.
func New(ip string, bulk bool, respond func(payload interface{})) *Job {
	return &Job{
		ip:      ip,
		bulk:    bulk,
		entries: make(map[string]*Entry),
		respond: respond,
		done:    make(chan struct{}),
	}
}

// IP returns the caller address the job was admitted under.
func (j *Job) IP() string { return j.ip }

// Done is closed after the response has been flushed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Add registers a link. Duplicate asset ids collapse onto one entry.
func (j *Job) Add(link *inspect.Link, price *uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[link.A]; ok {
		return
	}
	j.order = append(j.order, link.A)
	j.entries[link.A] = &Entry{Link: link, Price: price}
}

// Link returns the link for an asset id, nil when unknown.
func (j *Job) Link(assetID string) *inspect.Link {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e, ok := j.entries[assetID]; ok {
		return e.Link
	}
	return nil
}

// RemainingLinks returns the still-pending entries in insertion order.
func (j *Job) RemainingLinks() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*Entry
	for _, a := range j.order {
		if e := j.entries[a]; e.state == statePending {
			out = append(out, e)
		}
	}
	return out
}

// RemainingSize returns the number of pending entries.
func (j *Job) RemainingSize() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.remainingLocked()
}

func (j *Job) remainingLocked() int {
	n := 0
	for _, e := range j.entries {
		if e.state == statePending {
			n++
		}
	}
	return n
}

// SetResponse resolves one entry with its decorated item.
func (j *Job) SetResponse(assetID string, item *inspect.Item) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[assetID]
	if !ok || e.state != statePending {
		return
	}
	e.state = stateOk
	e.item = item
	j.maybeFlushLocked()
}

// SetError resolves one entry with an error envelope.
func (j *Job) SetError(assetID string, err *apierr.Error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[assetID]
	if !ok || e.state != statePending {
		return
	}
	e.state = stateErr
	e.err = err
	j.maybeFlushLocked()
}

// SetResponseRemaining fills every still-pending entry with err.
func (j *Job) SetResponseRemaining(err *apierr.Error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.state == statePending {
			e.state = stateErr
			e.err = err
		}
	}
	j.maybeFlushLocked()
}

func (j *Job) maybeFlushLocked() {
	if j.flushed || j.remainingLocked() > 0 {
		return
	}
	j.flushed = true

	values := make([]interface{}, 0, len(j.order))
	for _, a := range j.order {
		e := j.entries[a]
		if e.state == stateOk {
			values = append(values, e.item)
		} else {
			values = append(values, e.err)
		}
	}

	var payload interface{}
	if j.bulk {
		payload = values
	} else if len(values) > 0 {
		payload = values[0]
	} else {
		payload = apierr.GenericBad
	}

	// Invoked with the job lock held: respond must only hand the payload
	// off (signal a channel), never call back into the job.
	j.respond(payload)
	close(j.done)
}
