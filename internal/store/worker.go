package store

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/linuxdeepin/treeland-sub002/internal/eventloop"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/metrics"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

const opTimeout = 10 * time.Second

// Worker runs store operations on a bounded goroutine pool and hands the
// results back on the event loop. Submit never blocks: tasks queue until a
// pool slot is free. A Worker without a store still runs jobs off the loop;
// its writes and loads are no-ops.
type Worker struct {
	store   *Store
	loop    eventloop.Poster
	pool    *pool.Pool
	metrics *metrics.Metrics
	log     *log.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	feeders conc.WaitGroup
}

type WorkerOption func(*Worker)

func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func WithLogger(l *log.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

func NewWorker(s *Store, loop eventloop.Poster, workers int, opts ...WorkerOption) *Worker {
	if workers < 1 {
		workers = 1
	}
	w := &Worker{
		store: s,
		loop:  loop,
		pool:  pool.New().WithMaxGoroutines(workers),
		log:   logger.With("store"),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.feeders.Go(w.feed)
	return w
}

func (w *Worker) Store() *Store {
	return w.store
}

// Persistent reports whether the worker has a store behind it.
func (w *Worker) Persistent() bool {
	return w.store != nil
}

// NextSeq takes a write sequence, or 0 without a store.
func (w *Worker) NextSeq() int64 {
	if w.store == nil {
		return 0
	}
	return w.store.NextSeq()
}

// feed moves queued tasks into the pool, blocking only itself while the
// pool is saturated.
func (w *Worker) feed() {
	for {
		w.mu.Lock()
		tasks := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, task := range tasks {
			w.pool.Go(task)
		}
		if closed && len(tasks) == 0 {
			return
		}
		if len(tasks) == 0 {
			<-w.wake
		}
	}
}

// Submit runs fn off the loop. done, if set, runs on the loop with fn's
// error. Submit returns false once the worker is closed. fn gets a nil
// store when the worker has none.
func (w *Worker) Submit(op string, fn func(ctx context.Context, s *Store) error, done func(error)) bool {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := fn(ctx, w.store)
		cancel()
		w.metrics.StoreOperation(op, err)
		if err != nil {
			w.log.Warn("store operation failed", "op", op, "err", err)
		}
		if done != nil && !w.loop.Post(func() { done(err) }) {
			w.log.Debug("store result dropped, loop stopped", "op", op)
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, task)
	w.mu.Unlock()
	w.signal()
	return true
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Put writes a setting asynchronously. The sequence is taken now, so later
// Puts win over earlier ones regardless of completion order.
func (w *Worker) Put(uid int, scope, key, value string, done func(error)) bool {
	seq := w.NextSeq()
	return w.Submit("put_setting", func(ctx context.Context, s *Store) error {
		if s == nil {
			return nil
		}
		return s.Put(ctx, seq, uid, scope, key, value)
	}, done)
}

// PutWallpaper writes a wallpaper asynchronously, ordered like Put.
func (w *Worker) PutWallpaper(wp Wallpaper, done func(error)) bool {
	seq := w.NextSeq()
	return w.Submit("put_wallpaper", func(ctx context.Context, s *Store) error {
		if s == nil {
			return nil
		}
		return s.PutWallpaper(ctx, seq, wp)
	}, done)
}

// LoadScope reads a user's settings in one scope and delivers them on the
// loop.
func (w *Worker) LoadScope(uid int, scope string, done func(map[string]string, error)) bool {
	var values map[string]string
	return w.Submit("load_scope", func(ctx context.Context, s *Store) error {
		if s == nil {
			return nil
		}
		var err error
		values, err = s.Scope(ctx, uid, scope)
		return err
	}, func(err error) { done(values, err) })
}

// Close drains the queue and waits for every submitted operation. Their
// completions are still posted if the loop runs.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.signal()
	w.feeders.Wait()
	w.pool.Wait()
}
