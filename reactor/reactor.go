// Package reactor runs non-blocking operations for the engine. Each
// submitted operation holds one registration until it resolves or is
// cancelled; the registration count is what keeps an embedding host alive
// while work is outstanding, so cancellation must always release it.
package reactor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/object"
)

// Reactor schedules non-blocking operations and resolves the futures the
// language awaits on.
type Reactor struct {
	logger  zerolog.Logger
	pending atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New creates a reactor.
func New(logger zerolog.Logger) *Reactor {
	return &Reactor{logger: logger}
}

// Pending returns the number of live registrations: operations submitted
// but not yet resolved or cancelled.
func (r *Reactor) Pending() int64 {
	return r.pending.Load()
}

// Close cancels nothing but waits for in-flight operations to finish their
// goroutines. Futures already resolved stay readable.
func (r *Reactor) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.wg.Wait()
}

// Submit registers an operation and runs it on its own goroutine. The
// returned future resolves with the operation's result; cancelling the
// future cancels the operation's context and releases the registration
// immediately.
func (r *Reactor) Submit(fn func(ctx context.Context) (object.Object, error)) *object.Future {
	ctx, cancel := context.WithCancel(context.Background())
	r.pending.Add(1)
	w := &waiter{
		done:   make(chan struct{}),
		cancel: cancel,
		release: func() {
			r.pending.Add(-1)
		},
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		res, err := fn(ctx)
		if ctx.Err() != nil {
			// The future was cancelled while the operation ran; the frame
			// that awaited it must never see this result.
			return
		}
		w.resolve(res, err)
	}()
	return object.NewFuture(w)
}

// SubmitTimer resolves with the given value after the duration elapses.
func (r *Reactor) SubmitTimer(d time.Duration, value object.Object) *object.Future {
	return r.Submit(func(ctx context.Context) (object.Object, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// SubmitRead reads the entire reader and resolves with its contents as a
// string.
func (r *Reactor) SubmitRead(rd io.Reader) *object.Future {
	return r.Submit(func(ctx context.Context) (object.Object, error) {
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, errz.Errorf(errz.ErrRuntime, "read failed: %v", err)
		}
		return object.NewString(string(data)), nil
	})
}

// SubmitWrite writes data to the writer and resolves with the number of
// bytes written.
func (r *Reactor) SubmitWrite(w io.Writer, data string) *object.Future {
	return r.Submit(func(ctx context.Context) (object.Object, error) {
		n, err := io.WriteString(w, data)
		if err != nil {
			return nil, errz.Errorf(errz.ErrRuntime, "write failed: %v", err)
		}
		return object.NewInt(int64(n)), nil
	})
}

// waiter implements object.FutureWaiter for reactor-backed operations.
type waiter struct {
	done    chan struct{}
	once    sync.Once
	result  object.Object
	err     error
	cancel  context.CancelFunc
	release func()
}

func (w *waiter) Done() <-chan struct{} {
	return w.done
}

func (w *waiter) Result() (object.Object, error) {
	return w.result, w.err
}

func (w *waiter) Cancel() {
	w.cancel()
	w.once.Do(func() {
		w.err = errz.Errorf(errz.ErrCancelled, "future cancelled")
		close(w.done)
		w.release()
	})
}

func (w *waiter) resolve(result object.Object, err error) {
	w.once.Do(func() {
		w.result = result
		w.err = err
		close(w.done)
		w.release()
	})
}
