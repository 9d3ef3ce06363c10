// Package eventloop provides the single-threaded loop every protocol object
// lives on. Other goroutines never touch loop-owned state directly; they
// marshal work in with Post or Call.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("eventloop: stopped")

// Poster is the cross-goroutine side of a Loop.
type Poster interface {
	Post(fn func()) bool
}

// Loop runs posted tasks, then drains the deferred (idle) queue, then runs
// the end-of-iteration hooks, once per iteration.
type Loop struct {
	mu      sync.Mutex
	posted  []func()
	stopped bool
	wake    chan struct{}

	// loop-goroutine only
	idle       []func()
	hooks      []func()
	iterations uint64
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn to run on the loop. It never blocks. It reports false
// once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !l.Post(func() { done <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Defer schedules fn for the idle phase of the current iteration. Loop
// goroutine only.
func (l *Loop) Defer(fn func()) {
	l.idle = append(l.idle, fn)
}

// AddHook registers fn to run at the end of every iteration, after the
// idle queue is empty. Loop goroutine only.
func (l *Loop) AddHook(fn func()) {
	l.hooks = append(l.hooks, fn)
}

// Iterations is the number of completed iterations.
func (l *Loop) Iterations() uint64 {
	return l.iterations
}

// Dispatch runs a single iteration without blocking.
func (l *Loop) Dispatch() {
	l.mu.Lock()
	tasks := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
	l.drainIdle()
	for _, fn := range l.hooks {
		fn()
	}
	l.iterations++
}

func (l *Loop) drainIdle() {
	for len(l.idle) > 0 {
		batch := l.idle
		l.idle = nil
		for _, fn := range batch {
			fn()
		}
	}
}

// Run dispatches until ctx is done. Posted tasks that arrive after ctx is
// cancelled are dropped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Dispatch()
		select {
		case <-ctx.Done():
			l.stop()
			l.Dispatch()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}
