package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/virtforge/go-storvsp/pkg/backend"
	"github.com/virtforge/go-storvsp/pkg/guestmem"
	"github.com/virtforge/go-storvsp/pkg/protocol"
	"github.com/virtforge/go-storvsp/pkg/scsi"
	"github.com/virtforge/go-storvsp/pkg/server"
	"github.com/virtforge/go-storvsp/pkg/transport"
)

const testBlockSize = 512

// startHost wires a client to a full host session over an in-memory pipe.
func startHost(t *testing.T) (*Client, *guestmem.Memory) {
	t.Helper()

	controller := server.NewController()
	disk := scsi.NewEmulatedDisk(
		backend.NewMemoryBackend(make([]byte, 64*testBlockSize)),
		&scsi.DiskOptions{BlockSize: testBlockSize},
	)
	if err := controller.Attach(0, disk); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	mem := guestmem.Allocate(8)
	host, guest := transport.Pipe(64)
	session := server.NewSession(controller, host, mem, nil)

	sessionDone := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(sessionDone)
	}()

	c := New(guest)
	clientDone := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(clientDone)
	}()

	t.Cleanup(func() {
		c.Close()
		for _, done := range []chan struct{}{sessionDone, clientDone} {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("pump did not shut down")
			}
		}
	})

	return c, mem
}

func TestClientNegotiate(t *testing.T) {
	c, _ := startHost(t)
	ctx := context.Background()

	version, properties, err := c.Negotiate(ctx)
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if version != protocol.ProtocolVersion2 {
		t.Errorf("version %#04x, want %#04x", version, protocol.ProtocolVersion2)
	}
	if properties == nil || properties.MaxTransferBytes == 0 {
		t.Errorf("properties %+v, want populated channel properties", properties)
	}

	luns, err := c.EnumerateBus(ctx)
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(luns) != 1 || luns[0] != 0 {
		t.Errorf("inventory %v, want [0]", luns)
	}
}

func TestClientExecuteRoundTrip(t *testing.T) {
	c, mem := startHost(t)
	ctx := context.Background()

	if _, _, err := c.Negotiate(ctx); err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}

	pattern := bytes.Repeat([]byte{0x77}, testBlockSize)
	out := guestmem.PagedRange{Length: len(pattern), Pages: []uint64{0}}
	staging, err := mem.Resolve(out, guestmem.AccessWrite)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := staging.WriteAt(pattern, 0); err != nil {
		t.Fatalf("staging failed: %v", err)
	}

	req, err := ScsiRequestFor(0, scsi.Write10Cdb(2, 1), protocol.DataTransferWrite, uint32(len(pattern)))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := c.Execute(ctx, req, []guestmem.PagedRange{out})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if resp.ScsiStatus != scsi.StatusGood {
		t.Fatalf("write status %#02x, want GOOD", resp.ScsiStatus)
	}

	in := guestmem.PagedRange{Length: len(pattern), Pages: []uint64{1}}
	req, err = ScsiRequestFor(0, scsi.Read10Cdb(2, 1), protocol.DataTransferRead, uint32(len(pattern)))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err = c.Execute(ctx, req, []guestmem.PagedRange{in})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.DataTransferLength != uint32(len(pattern)) {
		t.Errorf("transferred %d, want %d", resp.DataTransferLength, len(pattern))
	}

	check, err := mem.Resolve(in, guestmem.AccessRead)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	got := make([]byte, len(pattern))
	if _, err := check.ReadAt(got, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Error("read back different bytes than written")
	}
}

func TestClientFailedRequest(t *testing.T) {
	c, _ := startHost(t)
	ctx := context.Background()

	// The host refuses SCSI before the handshake.
	req, err := ScsiRequestFor(0, scsi.TestUnitReadyCdb(), protocol.DataTransferNone, 0)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := c.Execute(ctx, req, nil)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("got error %v, want %v", err, ErrRequestFailed)
	}
	if resp == nil || resp.SrbStatus != protocol.SrbStatusInvalidRequest {
		t.Errorf("response %+v, want invalid request", resp)
	}
}

func TestClientClosedUnblocksCallers(t *testing.T) {
	c, _ := startHost(t)

	if _, _, err := c.Negotiate(context.Background()); err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// The pump notices the closed transport; callers get ErrClientClosed
	// rather than hanging.
	deadline := time.After(5 * time.Second)
	for {
		_, _, err := c.Negotiate(context.Background())
		if errors.Is(err, ErrClientClosed) || errors.Is(err, transport.ErrClosed) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("negotiate after close: got %v, want closed", err)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestScsiRequestForRejectsBadCdb(t *testing.T) {
	if _, err := ScsiRequestFor(0, nil, protocol.DataTransferNone, 0); !errors.Is(err, protocol.ErrBadCdbLength) {
		t.Errorf("empty cdb: got %v, want %v", err, protocol.ErrBadCdbLength)
	}
	if _, err := ScsiRequestFor(0, make([]byte, protocol.CdbSize+1), protocol.DataTransferNone, 0); !errors.Is(err, protocol.ErrBadCdbLength) {
		t.Errorf("oversized cdb: got %v, want %v", err, protocol.ErrBadCdbLength)
	}
}
