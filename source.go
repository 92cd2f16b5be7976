package storelink

import (
	"context"
	"fmt"
	"sync"
)

type EmitFunction func(value any)

// Source is a lazy, cancellable sequence of values: the substitute for the
// reactive stream type a request handler returns. Nothing runs until
// `Subscribe`; each subscription runs the producer independently. The producer
// return is the terminal outcome: nil for normal completion, an error for a
// failed stream. Cancellation is cooperative via the subscription context.
type Source struct {
	run func(ctx context.Context, emit EmitFunction) error
}

func NewSource(run func(ctx context.Context, emit EmitFunction) error) *Source {
	return &Source{
		run: run,
	}
}

// Just completes after emitting the given values.
func Just(values ...any) *Source {
	return NewSource(func(ctx context.Context, emit EmitFunction) error {
		for _, value := range values {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			emit(value)
		}
		return nil
	})
}

// SourceErr fails immediately with err.
func SourceErr(err error) *Source {
	return NewSource(func(ctx context.Context, emit EmitFunction) error {
		return err
	})
}

func (self *Source) Subscribe(ctx context.Context) *Subscription {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscription := &Subscription{
		ctx:    cancelCtx,
		cancel: cancel,
		values: make(chan any),
		done:   make(chan struct{}),
	}
	go subscription.pump(self.run)
	return subscription
}

// Subscription is one consumption of a source. `Values` is closed on any
// terminal outcome; `Err` is valid once `Done` is closed. Cancel stops the
// producer cooperatively and surfaces `context.Canceled`.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	values chan any
	done   chan struct{}

	errLock sync.Mutex
	err     error
}

func (self *Subscription) pump(run func(ctx context.Context, emit EmitFunction) error) {
	defer func() {
		if r := recover(); r != nil {
			self.setErr(fmt.Errorf("producer panic: %v", r))
		}
		close(self.values)
		close(self.done)
	}()
	err := run(self.ctx, func(value any) {
		select {
		case <-self.ctx.Done():
		case self.values <- value:
		}
	})
	self.setErr(err)
}

func (self *Subscription) setErr(err error) {
	self.errLock.Lock()
	defer self.errLock.Unlock()
	if self.err == nil {
		self.err = err
	}
}

func (self *Subscription) Values() <-chan any {
	return self.values
}

func (self *Subscription) Done() <-chan struct{} {
	return self.done
}

// Err is the terminal outcome. Valid after `Done` is closed.
func (self *Subscription) Err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()
	return self.err
}

func (self *Subscription) Cancel() {
	self.cancel()
}

// Collect drains the subscription and returns all emissions with the terminal
// outcome.
func (self *Subscription) Collect() ([]any, error) {
	values := []any{}
	for value := range self.values {
		values = append(values, value)
	}
	<-self.done
	return values, self.Err()
}
