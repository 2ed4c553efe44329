package peerrpc

import "sync"

// workerPool runs tasks on a fixed number of goroutines. Submitting never
// blocks: the queue is unbounded, so tasks MAY submit other tasks.
type workerPool struct {
	lk      sync.Mutex
	pending *sync.Cond
	idle    *sync.Cond
	queue   []func()
	active  int
	stopped bool
	wg      sync.WaitGroup

	onDepth func(depth int)
}

func newWorkerPool(size int, onDepth func(depth int)) *workerPool {
	p := &workerPool{onDepth: onDepth}
	p.pending = sync.NewCond(&p.lk)
	p.idle = sync.NewCond(&p.lk)

	p.wg.Add(size)
	for range size {
		go p.loop()
	}
	return p
}

// run enqueues a task, it returns false if the pool is stopped.
func (p *workerPool) run(task func()) bool {
	p.lk.Lock()
	if p.stopped {
		p.lk.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	depth := len(p.queue)
	p.pending.Signal()
	p.lk.Unlock()

	if p.onDepth != nil {
		p.onDepth(depth)
	}
	return true
}

// waitWorkComplete blocks until the queue is empty and no task is
// running. It MUST NOT be called from a task.
func (p *workerPool) waitWorkComplete() {
	p.lk.Lock()
	defer p.lk.Unlock()
	for len(p.queue) > 0 || p.active > 0 {
		p.idle.Wait()
	}
}

// stop lets the workers drain the queue and waits for them to exit.
func (p *workerPool) stop() {
	p.lk.Lock()
	if p.stopped {
		p.lk.Unlock()
		return
	}
	p.stopped = true
	p.pending.Broadcast()
	p.lk.Unlock()
	p.wg.Wait()
}

func (p *workerPool) loop() {
	defer p.wg.Done()
	for {
		p.lk.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.pending.Wait()
		}
		if len(p.queue) == 0 {
			p.lk.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.active++
		p.lk.Unlock()

		task()

		p.lk.Lock()
		p.active--
		if len(p.queue) == 0 && p.active == 0 {
			p.idle.Broadcast()
		}
		p.lk.Unlock()
	}
}
