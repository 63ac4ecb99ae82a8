package offlinegate

import "sync"

// tasks runs detached work. tryGo is bounded by the semaphore and drops work
// when it is full; Go always runs.
type tasks struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newTasks(limit int) *tasks {
	return &tasks{sem: make(chan struct{}, limit)}
}

func (t *tasks) tryGo(fn func()) bool {
	select {
	case t.sem <- struct{}{}:
	default:
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { <-t.sem }()
		fn()
	}()
	return true
}

func (t *tasks) Go(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Wait blocks until every started task returned.
func (t *tasks) Wait() {
	t.wg.Wait()
}
