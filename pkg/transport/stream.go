package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/virtforge/go-storvsp/pkg/guestmem"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds limit")
	ErrBadFrame      = errors.New("malformed frame")
)

const (
	streamHeaderSize = 20 // transaction id + type + range count + payload length

	maxStreamPayload       = 4 * 1024 * 1024
	maxStreamRanges        = 16
	maxStreamPagesPerRange = 64 * 1024
)

// StreamTransport frames packets over any stream connection (TCP, Unix
// socket, vsock). GPA-direct descriptors travel as page-number metadata,
// exactly as they do on a real ring: the peers are expected to share the
// guest memory itself out of band.
//
// Cancellation of a blocked Receive relies on Close, the way stream
// servers in this codebase shut down their connections.
type StreamTransport struct {
	conn net.Conn

	recvLock sync.Mutex
	sendLock sync.Mutex

	closeOnce sync.Once
}

func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn}
}

func (t *StreamTransport) Receive(ctx context.Context) (*Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.recvLock.Lock()
	defer t.recvLock.Unlock()

	header := make([]byte, streamHeaderSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	pkt := &Packet{
		TransactionID: binary.LittleEndian.Uint64(header[0:8]),
		Type:          PacketType(binary.LittleEndian.Uint32(header[8:12])),
	}
	rangeCount := binary.LittleEndian.Uint32(header[12:16])
	payloadLen := binary.LittleEndian.Uint32(header[16:20])

	if rangeCount > maxStreamRanges {
		return nil, fmt.Errorf("%w: %d ranges", ErrFrameTooLarge, rangeCount)
	}
	if payloadLen > maxStreamPayload {
		return nil, fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, payloadLen)
	}

	for i := uint32(0); i < rangeCount; i++ {
		r, err := t.readRange()
		if err != nil {
			return nil, err
		}
		pkt.Ranges = append(pkt.Ranges, r)
	}

	pkt.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(t.conn, pkt.Payload); err != nil {
		return nil, err
	}

	return pkt, nil
}

func (t *StreamTransport) readRange() (guestmem.PagedRange, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return guestmem.PagedRange{}, err
	}

	offset := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	pageCount := binary.LittleEndian.Uint32(header[8:12])

	if pageCount > maxStreamPagesPerRange {
		return guestmem.PagedRange{}, fmt.Errorf("%w: %d pages", ErrFrameTooLarge, pageCount)
	}
	if offset > guestmem.PageSize || uint64(length) > maxStreamPayload*guestmem.PageSize {
		// The resolver is the authority on descriptor validity; this
		// only keeps a hostile peer from forcing absurd allocations.
		return guestmem.PagedRange{}, fmt.Errorf("%w: range %d+%d", ErrBadFrame, offset, length)
	}

	pages := make([]uint64, pageCount)
	raw := make([]byte, 8*pageCount)
	if _, err := io.ReadFull(t.conn, raw); err != nil {
		return guestmem.PagedRange{}, err
	}
	for i := range pages {
		pages[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}

	return guestmem.PagedRange{
		Offset: int(offset),
		Length: int(length),
		Pages:  pages,
	}, nil
}

func (t *StreamTransport) Send(ctx context.Context, p *Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.Payload) > maxStreamPayload {
		return fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, len(p.Payload))
	}
	if len(p.Ranges) > maxStreamRanges {
		return fmt.Errorf("%w: %d ranges", ErrFrameTooLarge, len(p.Ranges))
	}

	frame := make([]byte, 0, streamHeaderSize+len(p.Payload))
	frame = binary.LittleEndian.AppendUint64(frame, p.TransactionID)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(p.Type))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(p.Ranges)))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(p.Payload)))

	for _, r := range p.Ranges {
		if len(r.Pages) > maxStreamPagesPerRange {
			return fmt.Errorf("%w: %d pages", ErrFrameTooLarge, len(r.Pages))
		}
		frame = binary.LittleEndian.AppendUint32(frame, uint32(r.Offset))
		frame = binary.LittleEndian.AppendUint32(frame, uint32(r.Length))
		frame = binary.LittleEndian.AppendUint32(frame, uint32(len(r.Pages)))
		for _, page := range r.Pages {
			frame = binary.LittleEndian.AppendUint64(frame, page)
		}
	}

	frame = append(frame, p.Payload...)

	t.sendLock.Lock()
	defer t.sendLock.Unlock()

	if _, err := t.conn.Write(frame); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}
