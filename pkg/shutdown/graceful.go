package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// WithSignals returns a context cancelled on SIGINT or SIGTERM.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// Step is one named shutdown action.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Drain runs steps in order under a shared deadline. A failing step is logged
// and does not stop the ones after it.
func Drain(log *zap.Logger, timeout time.Duration, steps ...Step) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, s := range steps {
		if err := s.Fn(ctx); err != nil {
			log.Error("shutdown step failed", zap.String("step", s.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		log.Debug("shutdown step done", zap.String("step", s.Name))
	}
	return errors.Join(errs...)
}

// Closer adapts an io.Closer style func into a Step.
func Closer(name string, fn func() error) Step {
	return Step{Name: name, Fn: func(context.Context) error { return fn() }}
}

// Wait blocks until wg is done or the drain deadline passes. Goroutines that
// still use a shared resource must finish before the step that closes it.
func Wait(name string, wg *sync.WaitGroup) Step {
	return Step{Name: name, Fn: func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
}
