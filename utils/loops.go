package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// Loops runs the background loops of a component, such as the step generator, the control tick
// or the status publisher, and stops them together. Once Stop returns no loop is left driving
// pins or publishing, so the caller may release the hardware.
type Loops struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// StartLoops runs each loop on its own goroutine until Stop. A panicking loop is logged and
// does not take the process down.
func StartLoops(loops ...func(ctx context.Context)) *Loops {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loops{ctx: ctx, cancel: cancel}
	l.Add(loops...)
	return l
}

// Add starts more loops. It reports false, starting nothing, once Stop has been called.
func (l *Loops) Add(loops ...func(ctx context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	for _, loop := range loops {
		loop := loop
		l.running.Add(1)
		goutils.PanicCapturingGo(func() {
			defer l.running.Done()
			loop(l.ctx)
		})
	}
	return true
}

// Stop cancels every loop and waits for them to return. It may be called more than once.
func (l *Loops) Stop() {
	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()
	l.running.Wait()
}

// Done is closed once Stop has been called.
func (l *Loops) Done() <-chan struct{} {
	return l.ctx.Done()
}
