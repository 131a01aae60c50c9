package transport

import (
	"context"
	"errors"

	"github.com/virtforge/go-storvsp/pkg/guestmem"
)

var ErrClosed = errors.New("transport closed")

// PacketType mirrors the outgoing packet types of the underlying ring
// transport.
type PacketType uint32

const (
	InBandNoCompletion PacketType = iota
	InBandWithCompletion
	Completion
	// GPADirect carries guest-memory descriptors alongside the payload
	// for zero-copy data transfer.
	GPADirect
)

func (t PacketType) String() string {
	switch t {
	case InBandNoCompletion:
		return "InBandNoCompletion"
	case InBandWithCompletion:
		return "InBandWithCompletion"
	case Completion:
		return "Completion"
	case GPADirect:
		return "GPADirect"
	default:
		return "Unknown"
	}
}

// Packet is one framed message on the channel: an opaque payload plus the
// transaction id and packet type of the ring envelope. Ranges are only
// populated on GPADirect packets and are not validated here; only the
// memory descriptor resolver can do that.
type Packet struct {
	TransactionID uint64
	Type          PacketType
	Payload       []byte
	Ranges        []guestmem.PagedRange
}

// CompletionRequested reports whether the sender expects a completion
// packet carrying this packet's transaction id.
func (p *Packet) CompletionRequested() bool {
	return p.Type == InBandWithCompletion || p.Type == GPADirect
}

// Transport is the ordered, reliable packet channel between guest and
// host. Framing, flow control, and interrupt signaling live below this
// interface.
type Transport interface {
	// Receive blocks until a packet arrives, the context is cancelled,
	// or the channel closes (ErrClosed).
	Receive(ctx context.Context) (*Packet, error)

	// Send enqueues one packet. Safe for concurrent use.
	Send(ctx context.Context, p *Packet) error

	Close() error
}
