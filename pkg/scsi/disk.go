package scsi

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/virtforge/go-storvsp/pkg/backend"
)

const defaultBlockSize = 512

type DiskOptions struct {
	BlockSize uint32
	ReadOnly  bool

	Vendor   string
	Product  string
	Revision string
}

// EmulatedDisk exposes a block backend as a direct-access SCSI logical
// unit. It interprets the command set a paravirtual initiator actually
// issues; everything else answers with ILLEGAL REQUEST sense instead of an
// engine error.
type EmulatedDisk struct {
	backend backend.Backend
	options *DiskOptions

	log *logrus.Entry
}

func NewEmulatedDisk(b backend.Backend, options *DiskOptions) *EmulatedDisk {
	if options == nil {
		options = &DiskOptions{}
	}

	if options.BlockSize == 0 {
		options.BlockSize = defaultBlockSize
	}
	if options.Vendor == "" {
		options.Vendor = "VIRTFORG"
	}
	if options.Product == "" {
		options.Product = "VDISK"
	}
	if options.Revision == "" {
		options.Revision = "0001"
	}

	return &EmulatedDisk{
		backend: b,
		options: options,
		log:     logrus.WithField("component", "scsi-disk"),
	}
}

func (d *EmulatedDisk) Capacity() (uint64, uint32) {
	size, err := d.backend.Size()
	if err != nil || size < 0 {
		return 0, d.options.BlockSize
	}
	return uint64(size) / uint64(d.options.BlockSize), d.options.BlockSize
}

func (d *EmulatedDisk) Execute(ctx context.Context, req *Request) Result {
	if len(req.Cdb) == 0 {
		return checkCondition(SenseInvalidField)
	}

	opcode := req.Cdb[0]
	d.log.WithFields(logrus.Fields{
		"opcode": fmt.Sprintf("%#02x", opcode),
		"buffer": req.BufferLen(),
	}).Debug("executing command")

	switch opcode {
	case OpTestUnitReady:
		return good(0)

	case OpRequestSense:
		return d.requestSense(req)

	case OpInquiry:
		return d.inquiry(req)

	case OpModeSense6:
		return d.modeSense(req)

	case OpReadCapacity10:
		return d.readCapacity10(req)

	case OpServiceActionIn:
		if len(req.Cdb) >= 2 && req.Cdb[1]&0x1f == ServiceActionReadCapacity16 {
			return d.readCapacity16(req)
		}
		return checkCondition(SenseInvalidField)

	case OpReportLuns:
		return d.reportLuns(req)

	case OpRead10, OpRead16:
		lba, blocks, ok := transferCdb(req.Cdb)
		if !ok {
			return checkCondition(SenseInvalidField)
		}
		return d.read(ctx, req, lba, blocks)

	case OpWrite10, OpWrite16:
		lba, blocks, ok := transferCdb(req.Cdb)
		if !ok {
			return checkCondition(SenseInvalidField)
		}
		return d.write(ctx, req, lba, blocks)

	case OpSynchronizeCache:
		if err := d.backend.Sync(); err != nil {
			d.log.WithError(err).Warn("sync failed")
			return checkCondition(SenseWriteError)
		}
		return good(0)

	default:
		d.log.WithField("opcode", fmt.Sprintf("%#02x", opcode)).Debug("unsupported opcode")
		return checkCondition(SenseInvalidOpcode)
	}
}

// transferCdb extracts the LBA and block count of a READ/WRITE (10) or
// (16) CDB. CDBs are guest-controlled; every field access is length
// checked.
func transferCdb(cdb []byte) (lba uint64, blocks uint32, ok bool) {
	switch cdb[0] {
	case OpRead10, OpWrite10:
		if len(cdb) < 10 {
			return 0, 0, false
		}
		return uint64(binary.BigEndian.Uint32(cdb[2:6])),
			uint32(binary.BigEndian.Uint16(cdb[7:9])), true
	case OpRead16, OpWrite16:
		if len(cdb) < 16 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint64(cdb[2:10]),
			binary.BigEndian.Uint32(cdb[10:14]), true
	default:
		return 0, 0, false
	}
}

func (d *EmulatedDisk) checkBounds(lba uint64, blocks uint32) error {
	capacity, _ := d.Capacity()
	if lba >= capacity || uint64(blocks) > capacity-lba {
		return fmt.Errorf("lba %d + %d blocks beyond capacity %d", lba, blocks, capacity)
	}
	return nil
}

func (d *EmulatedDisk) read(ctx context.Context, req *Request, lba uint64, blocks uint32) Result {
	if err := d.checkBounds(lba, blocks); err != nil {
		return checkCondition(SenseLbaOutOfRange)
	}

	expected := int64(blocks) * int64(d.options.BlockSize)
	if int64(req.BufferLen()) != expected {
		return checkCondition(SenseInvalidField)
	}

	off := int64(lba) * int64(d.options.BlockSize)
	transferred := 0
	for _, chunk := range req.chunks() {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusTaskSetFull, Transferred: transferred}
		}
		if _, err := d.backend.ReadAt(chunk, off); err != nil {
			d.log.WithError(err).Warn("backend read failed")
			r := checkCondition(SenseReadError)
			r.Transferred = transferred
			return r
		}
		off += int64(len(chunk))
		transferred += len(chunk)
	}

	return good(transferred)
}

func (d *EmulatedDisk) write(ctx context.Context, req *Request, lba uint64, blocks uint32) Result {
	if d.options.ReadOnly {
		return checkCondition(SenseWriteProtect)
	}
	if err := d.checkBounds(lba, blocks); err != nil {
		return checkCondition(SenseLbaOutOfRange)
	}

	expected := int64(blocks) * int64(d.options.BlockSize)
	if int64(req.BufferLen()) != expected {
		return checkCondition(SenseInvalidField)
	}

	off := int64(lba) * int64(d.options.BlockSize)
	transferred := 0
	for _, chunk := range req.chunks() {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusTaskSetFull, Transferred: transferred}
		}
		if _, err := d.backend.WriteAt(chunk, off); err != nil {
			d.log.WithError(err).Warn("backend write failed")
			r := checkCondition(SenseWriteError)
			r.Transferred = transferred
			return r
		}
		off += int64(len(chunk))
		transferred += len(chunk)
	}

	return good(transferred)
}

func (d *EmulatedDisk) requestSense(req *Request) Result {
	if len(req.Cdb) < 5 {
		return checkCondition(SenseInvalidField)
	}

	// No deferred errors are kept; always report NO SENSE.
	data := Sense{}.FixedFormat()
	return good(req.writeData(clampAllocation(data, int(req.Cdb[4]))))
}

func (d *EmulatedDisk) inquiry(req *Request) Result {
	if len(req.Cdb) < 5 {
		return checkCondition(SenseInvalidField)
	}
	if req.Cdb[1]&0x01 != 0 {
		// Vital product data pages are not synthesized.
		return checkCondition(SenseInvalidField)
	}

	data := make([]byte, inquiryDataSize)
	data[0] = deviceTypeDirect
	data[2] = 0x05 // SPC-3
	data[3] = 0x02 // response data format
	data[4] = inquiryDataSize - 5
	copyPadded(data[8:16], d.options.Vendor)
	copyPadded(data[16:32], d.options.Product)
	copyPadded(data[32:36], d.options.Revision)

	alloc := int(binary.BigEndian.Uint16(req.Cdb[3:5]))
	return good(req.writeData(clampAllocation(data, alloc)))
}

func (d *EmulatedDisk) modeSense(req *Request) Result {
	if len(req.Cdb) < 5 {
		return checkCondition(SenseInvalidField)
	}

	data := make([]byte, 4)
	data[0] = 3 // mode data length, excluding itself
	if d.options.ReadOnly {
		data[2] = 0x80 // write protected
	}

	return good(req.writeData(clampAllocation(data, int(req.Cdb[4]))))
}

func (d *EmulatedDisk) readCapacity10(req *Request) Result {
	capacity, blockSize := d.Capacity()
	if capacity == 0 {
		return checkCondition(SenseReadError)
	}

	maxLba := capacity - 1
	if maxLba > 0xffffffff {
		maxLba = 0xffffffff
	}

	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], uint32(maxLba))
	binary.BigEndian.PutUint32(data[4:8], blockSize)
	return good(req.writeData(data))
}

func (d *EmulatedDisk) readCapacity16(req *Request) Result {
	if len(req.Cdb) < 14 {
		return checkCondition(SenseInvalidField)
	}

	capacity, blockSize := d.Capacity()
	if capacity == 0 {
		return checkCondition(SenseReadError)
	}

	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data[0:8], capacity-1)
	binary.BigEndian.PutUint32(data[8:12], blockSize)

	alloc := int(binary.BigEndian.Uint32(req.Cdb[10:14]))
	return good(req.writeData(clampAllocation(data, alloc)))
}

func (d *EmulatedDisk) reportLuns(req *Request) Result {
	if len(req.Cdb) < 10 {
		return checkCondition(SenseInvalidField)
	}

	// A single unit is visible through this handle; it reports itself as
	// LUN 0 in peripheral addressing.
	data := make([]byte, 16)
	binary.BigEndian.PutUint32(data[0:4], 8) // lun list length

	alloc := int(binary.BigEndian.Uint32(req.Cdb[6:10]))
	return good(req.writeData(clampAllocation(data, alloc)))
}

func clampAllocation(data []byte, alloc int) []byte {
	if alloc < len(data) {
		return data[:alloc]
	}
	return data
}

func copyPadded(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}
