package scsi

import (
	"context"

	"github.com/virtforge/go-storvsp/pkg/guestmem"
)

// Request is one SCSI command together with the guest buffers it may
// transfer data through. Buffers are already resolved and bounds-checked;
// their combined length is the transfer length the initiator granted.
type Request struct {
	Cdb     []byte
	Buffers []*guestmem.Buffer
}

// BufferLen is the combined byte length of the request's buffers.
func (r *Request) BufferLen() int {
	total := 0
	for _, b := range r.Buffers {
		total += b.Len()
	}
	return total
}

func (r *Request) chunks() [][]byte {
	var chunks [][]byte
	for _, b := range r.Buffers {
		chunks = append(chunks, b.Chunks()...)
	}
	return chunks
}

// writeData copies synthesized response data into the request's buffers,
// returning how many bytes fit.
func (r *Request) writeData(data []byte) int {
	n := 0
	for _, b := range r.Buffers {
		if n == len(data) {
			break
		}
		chunk := data[n:]
		if len(chunk) > b.Len() {
			chunk = chunk[:b.Len()]
		}
		if _, err := b.WriteAt(chunk, 0); err != nil {
			break
		}
		n += len(chunk)
	}
	return n
}

// Result is the device's answer: a SCSI status, sense data when the
// status is CHECK CONDITION, and the number of bytes actually moved.
type Result struct {
	Status      uint8
	Sense       *Sense
	Transferred int
}

func good(transferred int) Result {
	return Result{Status: StatusGood, Transferred: transferred}
}

func checkCondition(sense Sense) Result {
	return Result{Status: StatusCheckCondition, Sense: &sense}
}

// Device is the capability handle the controller hands out for an
// attached logical unit. Implementations never panic on adversarial
// CDBs; anything unparseable becomes a CHECK CONDITION result.
type Device interface {
	// Execute runs one command. It may block on backing I/O and is
	// called concurrently for distinct requests; ctx is cancelled when
	// the owning session tears down.
	Execute(ctx context.Context, req *Request) Result

	// Capacity reports the unit's size for inspection and non-data
	// command synthesis.
	Capacity() (blocks uint64, blockSize uint32)
}
