// Package workerpool implements a simple goroutine-based workerpool with a
// configurable number of workers.
package workerpool

import (
	"errors"
	"sync"

	"github.com/wardenlabs/warden/go/common/logging"
)

// ErrPoolStopped is the error returned for jobs submitted to a stopped pool.
var ErrPoolStopped = errors.New("workerpool: pool has stopped")

type job struct {
	fn     func() error
	doneCh chan error
}

// Pool is a pool of workers.
type Pool struct {
	mu sync.Mutex

	logger *logging.Logger

	jobCh   chan *job
	stopChs []chan struct{}

	quitCh  chan struct{}
	stopped bool
}

// New creates a new worker pool with the given name. The pool starts out
// with no workers; use Resize to start them.
func New(name string) *Pool {
	return &Pool{
		logger: logging.GetLogger("common/workerpool").With("pool", name),
		jobCh:  make(chan *job),
		quitCh: make(chan struct{}),
	}
}

// Resize sets the number of workers in the pool.
func (p *Pool) Resize(count uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	for uint(len(p.stopChs)) < count {
		stopCh := make(chan struct{})
		p.stopChs = append(p.stopChs, stopCh)
		go p.worker(stopCh)
	}
	for uint(len(p.stopChs)) > count {
		last := len(p.stopChs) - 1
		close(p.stopChs[last])
		p.stopChs = p.stopChs[:last]
	}

	p.logger.Debug("pool resized",
		"num_workers", count,
	)
}

// Submit queues the given function for execution on one of the pool's
// workers. The returned channel receives the function's result and is
// closed after completion.
func (p *Pool) Submit(fn func() error) <-chan error {
	j := &job{
		fn:     fn,
		doneCh: make(chan error, 1),
	}

	select {
	case p.jobCh <- j:
	case <-p.quitCh:
		j.doneCh <- ErrPoolStopped
		close(j.doneCh)
	}

	return j.doneCh
}

// Stop stops the pool and all of its workers. Jobs that have already been
// picked up by a worker run to completion.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	for _, stopCh := range p.stopChs {
		close(stopCh)
	}
	p.stopChs = nil
	close(p.quitCh)
}

// Quit returns a channel that is closed when the pool stops.
func (p *Pool) Quit() <-chan struct{} {
	return p.quitCh
}

func (p *Pool) worker(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case j := <-p.jobCh:
			err := j.fn()
			if err != nil {
				p.logger.Debug("job failed",
					"err", err,
				)
			}
			j.doneCh <- err
			close(j.doneCh)
		}
	}
}
