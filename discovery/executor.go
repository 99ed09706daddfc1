package discovery

import "sync"

// serialExecutor runs submitted tasks one at a time on a single goroutine.
// At most backlog tasks wait behind the running one; Submit drops anything
// beyond that (discard newest).
type serialExecutor struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSerialExecutor(backlog int) *serialExecutor {
	if backlog < 1 {
		backlog = 1
	}
	e := &serialExecutor{
		tasks: make(chan func(), backlog),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *serialExecutor) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// Submit queues task and reports whether it was accepted. It never blocks.
func (e *serialExecutor) Submit(task func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops the worker after the task in progress. Waiting tasks are dropped.
func (e *serialExecutor) Close() {
	e.once.Do(func() { close(e.quit) })
	<-e.done
}
