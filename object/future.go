package object

import "context"

// FutureWaiter is the contract between a Future value and the reactor that
// resolves it. It is defined here so that the value model does not depend on
// the reactor implementation.
type FutureWaiter interface {
	// Done is closed when the future resolves or is cancelled.
	Done() <-chan struct{}

	// Result returns the resolved value or error. Valid only after Done is
	// closed.
	Result() (Object, error)

	// Cancel releases the reactor registration. Cancelling a future that
	// has already resolved is a no-op. A cancelled future never resumes
	// the frame that was awaiting it.
	Cancel()
}

// Future represents a pending non-blocking operation. A frame that awaits a
// Future is parked until the reactor resolves it.
type Future struct {
	waiter FutureWaiter
}

func (f *Future) Type() Type             { return FUTURE }
func (f *Future) Inspect() string        { return "future()" }
func (f *Future) Interface() interface{} { return f }
func (f *Future) IsTruthy() bool         { return true }

func (f *Future) Equals(other Object) bool {
	return f == other
}

// Wait blocks until the future resolves or the context is cancelled. On
// context cancellation the reactor registration is released and the frame is
// never resumed with a value.
func (f *Future) Wait(ctx context.Context) (Object, error) {
	select {
	case <-f.waiter.Done():
		return f.waiter.Result()
	case <-ctx.Done():
		f.waiter.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel releases the underlying reactor registration.
func (f *Future) Cancel() {
	f.waiter.Cancel()
}

// NewFuture wraps a reactor registration as a value the interpreter can
// await.
func NewFuture(waiter FutureWaiter) *Future {
	return &Future{waiter: waiter}
}
