package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/virtforge/go-storvsp/pkg/guestmem"
	"github.com/virtforge/go-storvsp/pkg/protocol"
	"github.com/virtforge/go-storvsp/pkg/transport"
)

var (
	ErrClientClosed     = errors.New("client closed")
	ErrUnexpectedPacket = errors.New("unexpected packet from host")
	ErrRequestFailed    = errors.New("host reported failure")
)

// Client is the initiator side of the channel protocol, used by the smoke
// command and by tests standing in for a guest driver. One receive pump
// correlates completions with callers by transaction id; any number of
// requests may be outstanding at once.
type Client struct {
	transport transport.Transport

	nextTxn uint64

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Packet
	closed  bool

	done chan struct{}
}

func New(t transport.Transport) *Client {
	return &Client{
		transport: t,
		pending:   make(map[uint64]chan *protocol.Packet),
		done:      make(chan struct{}),
	}
}

// Run pumps completions until the transport closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	for {
		pkt, err := c.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if pkt.Type != transport.Completion {
			continue
		}
		decoded, err := protocol.DecodePacket(pkt.Payload)
		if err != nil || decoded.Operation != protocol.OperationCompleteIO {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[pkt.TransactionID]
		delete(c.pending, pkt.TransactionID)
		c.mu.Unlock()

		if ok {
			ch <- decoded
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.pending = make(map[uint64]chan *protocol.Packet)
	c.mu.Unlock()
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// roundTrip sends one packet and waits for its completion.
func (c *Client) roundTrip(ctx context.Context, pktType transport.PacketType, pkt *protocol.Packet, ranges []guestmem.PagedRange) (*protocol.Packet, error) {
	payload, err := pkt.Encode()
	if err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&c.nextTxn, 1)
	ch := make(chan *protocol.Packet, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, &transport.Packet{
		TransactionID: id,
		Type:          pktType,
		Payload:       payload,
		Ranges:        ranges,
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) control(ctx context.Context, pkt *protocol.Packet) (*protocol.Completion, error) {
	reply, err := c.roundTrip(ctx, transport.InBandWithCompletion, pkt, nil)
	if err != nil {
		return nil, err
	}
	if reply.Completion == nil {
		return nil, ErrUnexpectedPacket
	}
	if reply.Status != protocol.StatusSuccess {
		return reply.Completion, fmt.Errorf("%w: %v status %d", ErrRequestFailed, pkt.Operation, reply.Status)
	}
	return reply.Completion, nil
}

// Negotiate performs the initialization handshake and returns the selected
// protocol version and the host's channel properties.
func (c *Client) Negotiate(ctx context.Context) (uint32, *protocol.ChannelProperties, error) {
	if _, err := c.control(ctx, &protocol.Packet{
		Operation: protocol.OperationBeginInitialization,
	}); err != nil {
		return 0, nil, err
	}

	negotiated, err := c.control(ctx, &protocol.Packet{
		Operation: protocol.OperationQueryProtocolVersion,
		Negotiate: &protocol.NegotiateRequest{ProposedVersions: protocol.SupportedVersions()},
	})
	if err != nil {
		return 0, nil, err
	}

	properties, err := c.control(ctx, &protocol.Packet{
		Operation: protocol.OperationQueryProperties,
	})
	if err != nil {
		return 0, nil, err
	}

	if _, err := c.control(ctx, &protocol.Packet{
		Operation: protocol.OperationEndInitialization,
	}); err != nil {
		return 0, nil, err
	}

	return negotiated.SelectedVersion, properties.Properties, nil
}

// EnumerateBus asks the host for its attached lun inventory.
func (c *Client) EnumerateBus(ctx context.Context) ([]uint8, error) {
	completion, err := c.control(ctx, &protocol.Packet{
		Operation: protocol.OperationEnumerateBus,
	})
	if err != nil {
		return nil, err
	}
	if completion.Inventory == nil {
		return nil, ErrUnexpectedPacket
	}
	return completion.Inventory.Luns, nil
}

// Execute issues one SCSI request, attaching the given guest-memory
// descriptors GPA-direct when present.
func (c *Client) Execute(ctx context.Context, req *protocol.ScsiRequest, ranges []guestmem.PagedRange) (*protocol.ScsiResponse, error) {
	pktType := transport.InBandWithCompletion
	if len(ranges) > 0 {
		pktType = transport.GPADirect
	}

	reply, err := c.roundTrip(ctx, pktType, &protocol.Packet{
		Operation: protocol.OperationExecuteSRB,
		Scsi:      req,
	}, ranges)
	if err != nil {
		return nil, err
	}
	if reply.Completion == nil || reply.Completion.Scsi == nil {
		return nil, ErrUnexpectedPacket
	}
	if reply.Status != protocol.StatusSuccess {
		return reply.Completion.Scsi, fmt.Errorf("%w: status %d", ErrRequestFailed, reply.Status)
	}
	return reply.Completion.Scsi, nil
}

// ScsiRequestFor packs a CDB and transfer parameters into the wire
// request structure.
func ScsiRequestFor(lun uint8, cdb []byte, dataIn uint8, transferLength uint32) (*protocol.ScsiRequest, error) {
	if len(cdb) == 0 || len(cdb) > protocol.CdbSize {
		return nil, protocol.ErrBadCdbLength
	}

	req := &protocol.ScsiRequest{
		Lun:                lun,
		CdbLength:          uint8(len(cdb)),
		DataIn:             dataIn,
		DataTransferLength: transferLength,
	}
	copy(req.Cdb[:], cdb)
	return req, nil
}
