package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"streamrelay/work/logger"
	"streamrelay/work/types"

	"go.uber.org/ratelimit"
)

// job is one request waiting for its host's worker.
type job struct {
	ctx  context.Context
	url  *url.URL
	opts *FetchOptions
	done chan result
}

type result struct {
	resp *Response
	err  error
}

// finish hands the outcome to the waiting caller. done is buffered, so a
// caller that gave up never blocks the worker.
func (j *job) finish(resp *Response, err error) {
	j.done <- result{resp: resp, err: err}
}

// hostQueue serializes every request to one host. A single worker goroutine
// takes jobs in submission order, waits until the cooldown since the previous
// completion has elapsed, then runs the job to completion.
type hostQueue struct {
	host    string
	gw      *Gateway
	limiter ratelimit.Limiter

	mu      sync.Mutex
	pending []*job
	stopped bool // set once by drain; later pushes are refused
	wake    chan struct{}
}

// newHostQueue creates the queue for host. The caller starts its worker.
//
// Parameters:
//   - host: URL host including any port
//   - gw: owning gateway, for options, quit signal and the HTTP clients
//
// Returns:
//   - *hostQueue: an empty queue
func newHostQueue(host string, gw *Gateway) *hostQueue {
	q := &hostQueue{
		host: host,
		gw:   gw,
		wake: make(chan struct{}, 1),
	}
	if gw.opts.RequestsPerSecond > 0 {
		q.limiter = ratelimit.New(gw.opts.RequestsPerSecond)
	}
	logger.Debug("{client/queue - newHostQueue} Created request queue for %s", host)
	return q
}

// push appends j and wakes the worker. A queue that has already been
// drained finishes j at once with ErrGatewayClosed, so no caller waits on a
// worker that is gone.
func (q *hostQueue) push(j *job) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		j.finish(nil, &types.NetworkError{URL: j.url.String(), Err: types.ErrGatewayClosed})
		return
	}
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	// one buffered token is enough: the worker re-checks pending after waking
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the oldest pending job, or returns nil.
func (q *hostQueue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return j
}

// run is the worker loop. It exits when the gateway closes, failing every
// job still pending.
func (q *hostQueue) run() {
	// earliest time the next request may be dispatched
	var ready time.Time

	for {
		select {
		case <-q.gw.quit:
			q.drain()
			return
		default:
		}

		j := q.pop()
		if j == nil {
			select {
			case <-q.wake:
				continue
			case <-q.gw.quit:
				q.drain()
				return
			}
		}

		if wait := time.Until(ready); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.gw.quit:
				timer.Stop()
				j.finish(nil, &types.NetworkError{URL: j.url.String(), Err: types.ErrGatewayClosed})
				q.drain()
				return
			}
		}

		// abandoned while queued: skip without spending the host's slot
		if err := j.ctx.Err(); err != nil {
			j.finish(nil, &types.NetworkError{URL: j.url.String(), Err: err})
			continue
		}

		if q.limiter != nil {
			q.limiter.Take()
		}

		// the cooldown runs from completion, body included
		resp, err := q.gw.do(j)
		ready = time.Now().Add(q.gw.opts.Cooldown)
		j.finish(resp, err)
	}
}

// drain stops the queue and fails every pending job. Stopping and taking the
// backlog happen under one lock, so each job is either drained here or
// refused by push.
func (q *hostQueue) drain() {
	q.mu.Lock()
	q.stopped = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, j := range pending {
		j.finish(nil, &types.NetworkError{URL: j.url.String(), Err: types.ErrGatewayClosed})
	}
}
