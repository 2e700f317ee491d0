package engine

import "sync"

// pairLocks serializes merges over entity id pairs. Both ids are locked
// in sorted order so two merges touching the same entities always
// acquire locks in the same sequence and cannot deadlock.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pairLocks) lockPair(a, b string) func() {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	l1 := p.lockFor(first)
	l1.Lock()
	if first == second {
		return l1.Unlock
	}
	l2 := p.lockFor(second)
	l2.Lock()
	return func() {
		l2.Unlock()
		l1.Unlock()
	}
}

func (p *pairLocks) lockFor(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locks[id] == nil {
		p.locks[id] = &sync.Mutex{}
	}
	return p.locks[id]
}
