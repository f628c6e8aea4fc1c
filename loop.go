package mediagraph

import (
	"sync"
	"sync/atomic"
)

// EventLoop is the host loop that runs status dispatch. Everything posted to
// it runs on one goroutine, one function at a time.
type EventLoop interface {
	// Run blocks, executing posted functions until Quit is called.
	Run()
	// Quit asks Run to return. It may be called from any goroutine.
	Quit()
	// Post queues fn without blocking. It returns false if the loop has quit.
	Post(fn func()) bool
}

// Loop is the default EventLoop. A Loop runs once: after Quit, Run returns
// immediately and Post refuses work.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	quit    chan struct{}
	quitted sync.Once
	running atomic.Bool
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Run implements EventLoop.
func (l *Loop) Run() {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			fn := l.next()
			if fn == nil {
				break
			}
			// Quit wins over pending work.
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn
}

// Quit implements EventLoop.
func (l *Loop) Quit() {
	l.quitted.Do(func() { close(l.quit) })
}

// Post implements EventLoop.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Done is closed once Quit has been called.
func (l *Loop) Done() <-chan struct{} { return l.quit }

// IsRunning reports whether Run is executing.
func (l *Loop) IsRunning() bool { return l.running.Load() }
