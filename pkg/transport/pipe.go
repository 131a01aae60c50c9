package transport

import (
	"context"
	"sync"
)

// PipeEnd is one side of an in-memory connected channel pair. It stands in
// for a real ring buffer in tests and in-process guests.
type PipeEnd struct {
	recv <-chan *Packet
	send chan<- *Packet

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected transports with the given queue depth.
// Closing either end closes both directions.
func Pipe(depth int) (*PipeEnd, *PipeEnd) {
	a := make(chan *Packet, depth)
	b := make(chan *Packet, depth)
	done := make(chan struct{})
	once := &sync.Once{}

	return &PipeEnd{recv: a, send: b, done: done, closeOnce: once},
		&PipeEnd{recv: b, send: a, done: done, closeOnce: once}
}

func (e *PipeEnd) Receive(ctx context.Context) (*Packet, error) {
	// Drain queued packets even when the pipe is already closed.
	select {
	case p := <-e.recv:
		return p, nil
	default:
	}

	select {
	case p := <-e.recv:
		return p, nil
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *PipeEnd) Send(ctx context.Context, p *Packet) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.send <- p:
		return nil
	}
}

func (e *PipeEnd) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return nil
}
