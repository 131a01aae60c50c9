package server

import (
	"context"
	"net"

	"github.com/virtforge/go-storvsp/pkg/guestmem"
	"github.com/virtforge/go-storvsp/pkg/transport"
)

// Handle runs one session over a stream connection, using the stream
// framing of the packet channel. It returns when the connection closes or
// ctx is cancelled.
func Handle(ctx context.Context, conn net.Conn, controller *Controller, memory *guestmem.Memory, options *SessionOptions) error {
	t := transport.NewStreamTransport(conn)
	defer t.Close()

	return NewSession(controller, t, memory, options).Run(ctx)
}
