package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"

	"github.com/virtforge/go-storvsp/pkg/client"
	"github.com/virtforge/go-storvsp/pkg/guestmem"
	"github.com/virtforge/go-storvsp/pkg/protocol"
	"github.com/virtforge/go-storvsp/pkg/scsi"
	"github.com/virtforge/go-storvsp/pkg/transport"
)

// Smoke client: negotiates, enumerates the bus, then round-trips a block
// through lun 0 via the shared guest memory file.
func main() {
	raddr := flag.String("raddr", "localhost:10650", "Remote address")
	network := flag.String("network", "tcp", "Remote network (`tcp`, `unix` or `vsock`)")
	vsockCID := flag.Uint("vsock-cid", 2, "Context id when dialing vsock")
	vsockPort := flag.Uint("vsock-port", 10650, "Port when dialing vsock")
	memPath := flag.String("mem", "guestmem.bin", "Path to the shared guest memory file")
	lun := flag.Uint("lun", 0, "Lun to exercise")

	flag.Parse()

	conn, err := dial(*network, *raddr, uint32(*vsockCID), uint32(*vsockPort))
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	mem, cleanup, err := mapGuestMemory(*memPath)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	c := client.New(transport.NewStreamTransport(conn))
	go func() {
		if err := c.Run(context.Background()); err != nil {
			log.Println("Client pump ended with error:", err)
		}
	}()
	defer c.Close()

	ctx := context.Background()

	version, properties, err := c.Negotiate(ctx)
	if err != nil {
		panic(err)
	}
	log.Printf("Negotiated version %#04x, max transfer %v bytes", version, properties.MaxTransferBytes)

	luns, err := c.EnumerateBus(ctx)
	if err != nil {
		panic(err)
	}
	log.Println("Attached luns:", luns)

	// Stage a block pattern in guest memory, write it to the disk, read
	// it back through different pages, and compare.
	pattern := bytes.Repeat([]byte("storvsp!"), 64) // one 512-byte block
	copy(mem[0:], pattern)

	writeRange, err := guestmem.NewPagedRange(0, len(pattern), []uint64{0})
	if err != nil {
		panic(err)
	}

	req, err := client.ScsiRequestFor(uint8(*lun), scsi.Write10Cdb(0, 1), protocol.DataTransferWrite, uint32(len(pattern)))
	if err != nil {
		panic(err)
	}
	resp, err := c.Execute(ctx, req, []guestmem.PagedRange{writeRange})
	if err != nil {
		panic(err)
	}
	if resp.ScsiStatus != scsi.StatusGood {
		panic(fmt.Errorf("write failed with scsi status %#02x", resp.ScsiStatus))
	}

	readRange, err := guestmem.NewPagedRange(0, len(pattern), []uint64{1})
	if err != nil {
		panic(err)
	}

	req, err = client.ScsiRequestFor(uint8(*lun), scsi.Read10Cdb(0, 1), protocol.DataTransferRead, uint32(len(pattern)))
	if err != nil {
		panic(err)
	}
	resp, err = c.Execute(ctx, req, []guestmem.PagedRange{readRange})
	if err != nil {
		panic(err)
	}
	if resp.ScsiStatus != scsi.StatusGood {
		panic(fmt.Errorf("read failed with scsi status %#02x", resp.ScsiStatus))
	}

	if !bytes.Equal(mem[guestmem.PageSize:guestmem.PageSize+len(pattern)], pattern) {
		panic("read back different bytes than written")
	}

	log.Printf("Round-tripped %v bytes through lun %v", resp.DataTransferLength, *lun)
}

func dial(network, raddr string, cid, port uint32) (net.Conn, error) {
	switch network {
	case "vsock":
		return vsock.Dial(cid, port, nil)
	case "tcp", "unix":
		return net.Dial(network, raddr)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

func mapGuestMemory(path string) ([]byte, func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	return b, func() { _ = unix.Munmap(b) }, nil
}
