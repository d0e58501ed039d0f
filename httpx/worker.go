package httpx

import (
	"context"
	"fmt"
	"sync"
)

// job is work that must not run on the loop. run executes on a worker and
// returns a completion that is executed back on the loop.
type job struct {
	run  func(ctx context.Context) func()
	fail func(err error)
}

// workerPool runs jobs on a fixed number of goroutines. The queue is
// bounded; submit never blocks the loop.
type workerPool struct {
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wake   func()
	wg     sync.WaitGroup

	mu   sync.Mutex
	done []func()
}

func newWorkerPool(workers, queue int, wake func()) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		jobs:   make(chan job, queue),
		ctx:    ctx,
		cancel: cancel,
		wake:   wake,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.post(p.exec(j))
	}
}

func (p *workerPool) exec(j job) (completion func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("httpx: worker panic: %v", r)
			completion = func() { j.fail(err) }
		}
	}()
	return j.run(p.ctx)
}

func (p *workerPool) post(fn func()) {
	p.mu.Lock()
	p.done = append(p.done, fn)
	p.mu.Unlock()
	p.wake()
}

// submit queues j, reporting false when the queue is full.
func (p *workerPool) submit(j job) bool {
	select {
	case p.jobs <- j:
		return true
	default:
		return false
	}
}

// completions drains finished work in completion order.
func (p *workerPool) completions() []func() {
	p.mu.Lock()
	fns := p.done
	p.done = nil
	p.mu.Unlock()
	return fns
}

// stop cancels running jobs and waits for the workers to exit. Completions
// posted afterwards are discarded with the pool.
func (p *workerPool) stop() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}
