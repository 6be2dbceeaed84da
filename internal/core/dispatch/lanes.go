package dispatch

import (
	"errors"
	"sync"
)

// ErrLaneFull is returned by Submit when a lane already holds its limit of
// pending jobs.
var ErrLaneFull = errors.New("dispatch lane full")

// DefaultLaneLimit bounds the pending jobs of one lane.
const DefaultLaneLimit = 1024

type lane struct {
	queue   []func()
	running bool
}

// Lanes runs work submitted under the same key one at a time, in submission
// order. Different keys run concurrently, so a stuck job only holds up its own
// key. A lane's goroutine exits once its queue is empty.
type Lanes struct {
	limit int

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// NewLanes returns lanes holding at most limit pending jobs each. A limit of
// zero or less means unbounded.
func NewLanes(limit int) *Lanes {
	return &Lanes{limit: limit, lanes: make(map[string]*lane)}
}

// Submit queues fn on key. The job currently running does not count towards
// the limit.
func (l *Lanes) Submit(key string, fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	if l.limit > 0 && len(ln.queue) >= l.limit {
		return ErrLaneFull
	}
	ln.queue = append(ln.queue, fn)
	if !ln.running {
		ln.running = true
		l.wg.Add(1)
		go l.drain(key, ln)
	}
	return nil
}

func (l *Lanes) drain(key string, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 {
			ln.running = false
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		fn := ln.queue[0]
		ln.queue[0] = nil
		ln.queue = ln.queue[1:]
		l.mu.Unlock()

		l.run(key, fn)
	}
}

func (l *Lanes) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("lane job panicked", "lane", key, "panic", r)
		}
	}()
	fn()
}

// Active returns the number of lanes with queued or running work.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Wait blocks until every submitted job has finished.
func (l *Lanes) Wait() {
	l.wg.Wait()
}
