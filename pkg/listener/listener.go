package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Listener owns a single goroutine that consumes its input channel in order.
// All state touched by the handler belongs to that goroutine.
// A handler error is terminal: the loop exits and the crash handler is called once.
type Listener[T any] struct {
	handler      func(input T) error
	crashHandler func(err error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	once   sync.Once
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	crashHandler ...func(error),
) *Listener[T] {
	if len(crashHandler) == 0 {
		crashHandler = []func(error){func(error) {}}
	}

	return &Listener[T]{
		in:           in,
		handler:      handler,
		cancel:       func() {},
		crashHandler: crashHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.crashHandler(err)
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the loop and waits for the goroutine to exit. Safe to call twice.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
	})
	l.wg.Wait()
}
