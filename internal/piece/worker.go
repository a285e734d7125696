package piece

import (
	"sync"
)

type verifyJob struct {
	index int
	data  []byte
	peers []string
}

// verifyPool hashes completed pieces on a fixed set of goroutines.
type verifyPool struct {
	jobs chan verifyJob
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newVerifyPool(workers, queue int, run func(verifyJob)) *verifyPool {
	p := &verifyPool{jobs: make(chan verifyJob, max(queue, 1))}
	for i := 0; i < max(workers, 1); i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				run(job)
			}
		}()
	}
	return p
}

// submit queues a job. It reports false once the pool is closed.
func (p *verifyPool) submit(job verifyJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.jobs <- job
	return true
}

// close stops accepting jobs and waits for queued ones to finish.
func (p *verifyPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
