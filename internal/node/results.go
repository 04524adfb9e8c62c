package node

import (
	"sync"

	"github.com/zde37/ringkv/internal/ring"
)

// pendingResults matches PRINT messages to the root calls waiting on them.
type pendingResults struct {
	mu      sync.Mutex
	waiting map[uint64]chan ring.Result
}

func newPendingResults() *pendingResults {
	return &pendingResults{waiting: make(map[uint64]chan ring.Result)}
}

func (p *pendingResults) register(id uint64) <-chan ring.Result {
	ch := make(chan ring.Result, 1)

	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()

	return ch
}

// resolve hands res to its waiter. It reports false when nobody is waiting.
func (p *pendingResults) resolve(res ring.Result) bool {
	p.mu.Lock()
	ch, ok := p.waiting[res.ID]
	delete(p.waiting, res.ID)
	p.mu.Unlock()

	if ok {
		ch <- res
	}
	return ok
}

func (p *pendingResults) remove(id uint64) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

func (p *pendingResults) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
