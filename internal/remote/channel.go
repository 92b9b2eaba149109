package remote

import (
	"context"
	"sync"
)

// Pipe is a Channel implementation adapters embed. The producer side calls
// Emit and Fail; the consumer side uses the Channel methods.
type Pipe struct {
	events    chan ChangeEvent
	done      chan struct{}
	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	onClose   func()
}

// NewPipe creates a pipe with the given event buffer. onClose, if set, runs
// once when the pipe ends.
func NewPipe(buffer int, onClose func()) *Pipe {
	if buffer <= 0 {
		buffer = 1
	}
	return &Pipe{
		events:  make(chan ChangeEvent, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Emit delivers ev, blocking while the buffer is full. It returns false once
// the pipe has ended or ctx is cancelled.
func (p *Pipe) Emit(ctx context.Context, ev ChangeEvent) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// TryEmit delivers ev without blocking and reports whether it was accepted.
// Delivery is at-most-once, so a full buffer drops the event.
func (p *Pipe) TryEmit(ev ChangeEvent) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.events <- ev:
		return true
	default:
		return false
	}
}

// Fail ends the pipe with a server-side error
func (p *Pipe) Fail(err error) {
	p.finish(err)
}

// Events implements Channel
func (p *Pipe) Events() <-chan ChangeEvent {
	return p.events
}

// Done implements Channel
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Err implements Channel
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close implements Channel
func (p *Pipe) Close() error {
	p.finish(nil)
	return nil
}

func (p *Pipe) finish(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
}
