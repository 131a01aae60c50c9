package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortPacket      = errors.New("packet truncated")
	ErrExcessPayload    = errors.New("trailing bytes after payload")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrTooManyVersions  = errors.New("too many proposed versions")
	ErrBadCdbLength     = errors.New("cdb length out of range")
	ErrBadSenseLength   = errors.New("sense length out of range")
	ErrTooManyLuns      = errors.New("too many luns in inventory")
)

// reader walks a byte slice without ever reading past its end. Every
// accessor reports ErrShortPacket instead of panicking, whatever the
// input.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrShortPacket
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrShortPacket
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrShortPacket
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return ErrExcessPayload
	}
	return nil
}

// DecodePacket parses one protocol packet. It is a pure function of its
// input: no I/O, no retained references into b beyond the returned
// structure's sense/version slices, and no possible out-of-bounds access.
// Inconsistent length fields, truncated headers, and unrecognized
// operations all yield an error, never a partial packet.
func DecodePacket(b []byte) (*Packet, error) {
	r := &reader{b: b}

	op, err := r.u32()
	if err != nil {
		return nil, err
	}
	flags, err := r.u32()
	if err != nil {
		return nil, err
	}
	status, err := r.u32()
	if err != nil {
		return nil, err
	}

	pkt := &Packet{
		Operation: Operation(op),
		Flags:     flags,
		Status:    Status(status),
	}

	switch pkt.Operation {
	case OperationBeginInitialization,
		OperationEndInitialization,
		OperationQueryProperties,
		OperationEnumerateBus,
		OperationRemoveDevice,
		OperationResetAdapter,
		OperationResetBus:
		// No payload.

	case OperationQueryProtocolVersion:
		neg, err := decodeNegotiateRequest(r)
		if err != nil {
			return nil, err
		}
		pkt.Negotiate = neg

	case OperationExecuteSRB:
		req, err := decodeScsiRequest(r)
		if err != nil {
			return nil, err
		}
		pkt.Scsi = req

	case OperationResetLun:
		lun, err := r.u8()
		if err != nil {
			return nil, err
		}
		if err := r.skip(3); err != nil { // reserved
			return nil, err
		}
		pkt.Reset = &ResetLun{Lun: lun}

	case OperationCompleteIO:
		c, err := decodeCompletion(r)
		if err != nil {
			return nil, err
		}
		pkt.Completion = c

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperation, op)
	}

	if err := r.done(); err != nil {
		return nil, err
	}

	return pkt, nil
}

func decodeNegotiateRequest(r *reader) (*NegotiateRequest, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count > MaxProposedVersions {
		return nil, fmt.Errorf("%w: %d", ErrTooManyVersions, count)
	}

	versions := make([]uint32, count)
	for i := range versions {
		if versions[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	return &NegotiateRequest{ProposedVersions: versions}, nil
}

func decodeScsiRequest(r *reader) (*ScsiRequest, error) {
	var req ScsiRequest
	var err error

	if req.PathID, err = r.u8(); err != nil {
		return nil, err
	}
	if req.TargetID, err = r.u8(); err != nil {
		return nil, err
	}
	if req.Lun, err = r.u8(); err != nil {
		return nil, err
	}
	if req.CdbLength, err = r.u8(); err != nil {
		return nil, err
	}
	if req.DataIn, err = r.u8(); err != nil {
		return nil, err
	}
	if err = r.skip(3); err != nil { // reserved
		return nil, err
	}
	if req.DataTransferLength, err = r.u32(); err != nil {
		return nil, err
	}

	cdb, err := r.bytes(CdbSize)
	if err != nil {
		return nil, err
	}
	copy(req.Cdb[:], cdb)

	if req.CdbLength == 0 || req.CdbLength > CdbSize {
		return nil, fmt.Errorf("%w: %d", ErrBadCdbLength, req.CdbLength)
	}

	return &req, nil
}

func decodeCompletion(r *reader) (*Completion, error) {
	origin, err := r.u32()
	if err != nil {
		return nil, err
	}

	c := &Completion{Origin: Operation(origin)}

	switch c.Origin {
	case OperationNone,
		OperationBeginInitialization,
		OperationEndInitialization,
		OperationRemoveDevice,
		OperationResetLun,
		OperationResetAdapter,
		OperationResetBus:
		// Bare acknowledgement.

	case OperationQueryProtocolVersion:
		if c.SelectedVersion, err = r.u32(); err != nil {
			return nil, err
		}

	case OperationQueryProperties:
		var props ChannelProperties
		if props.MaxTransferBytes, err = r.u32(); err != nil {
			return nil, err
		}
		if props.MaxOutstandingRequests, err = r.u32(); err != nil {
			return nil, err
		}
		if props.Flags, err = r.u32(); err != nil {
			return nil, err
		}
		if props.Reserved, err = r.u32(); err != nil {
			return nil, err
		}
		c.Properties = &props

	case OperationEnumerateBus:
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		if count > MaxReportedLuns {
			return nil, fmt.Errorf("%w: %d", ErrTooManyLuns, count)
		}
		luns, err := r.bytes(int(count))
		if err != nil {
			return nil, err
		}
		inv := &LunInventory{Luns: make([]uint8, count)}
		copy(inv.Luns, luns)
		c.Inventory = inv

	case OperationExecuteSRB:
		resp, err := decodeScsiResponse(r)
		if err != nil {
			return nil, err
		}
		c.Scsi = resp

	default:
		return nil, fmt.Errorf("%w: completion origin %d", ErrUnknownOperation, origin)
	}

	return c, nil
}

func decodeScsiResponse(r *reader) (*ScsiResponse, error) {
	var resp ScsiResponse
	var err error

	if resp.SrbStatus, err = r.u8(); err != nil {
		return nil, err
	}
	if resp.ScsiStatus, err = r.u8(); err != nil {
		return nil, err
	}
	senseLength, err := r.u8()
	if err != nil {
		return nil, err
	}
	if err = r.skip(1); err != nil { // reserved
		return nil, err
	}
	if resp.DataTransferLength, err = r.u32(); err != nil {
		return nil, err
	}

	if senseLength > SenseBufferSize {
		return nil, fmt.Errorf("%w: %d", ErrBadSenseLength, senseLength)
	}
	sense, err := r.bytes(int(senseLength))
	if err != nil {
		return nil, err
	}
	if senseLength > 0 {
		resp.SenseData = make([]byte, senseLength)
		copy(resp.SenseData, sense)
	}

	return &resp, nil
}

// Encode serializes the packet so that DecodePacket reproduces it exactly.
// Packets built by the engine are always encodable; an inconsistent packet
// (oversized sense data, too many versions) reports an error rather than
// producing bytes the decoder would reject.
func (p *Packet) Encode() ([]byte, error) {
	b := make([]byte, 0, PacketHeaderSize+ScsiRequestSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Operation))
	b = binary.LittleEndian.AppendUint32(b, p.Flags)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Status))

	switch p.Operation {
	case OperationBeginInitialization,
		OperationEndInitialization,
		OperationQueryProperties,
		OperationEnumerateBus,
		OperationRemoveDevice,
		OperationResetAdapter,
		OperationResetBus:
		return b, nil

	case OperationQueryProtocolVersion:
		if p.Negotiate == nil {
			return nil, fmt.Errorf("encode %v: missing payload", p.Operation)
		}
		if len(p.Negotiate.ProposedVersions) > MaxProposedVersions {
			return nil, ErrTooManyVersions
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Negotiate.ProposedVersions)))
		for _, v := range p.Negotiate.ProposedVersions {
			b = binary.LittleEndian.AppendUint32(b, v)
		}
		return b, nil

	case OperationExecuteSRB:
		if p.Scsi == nil {
			return nil, fmt.Errorf("encode %v: missing payload", p.Operation)
		}
		return encodeScsiRequest(b, p.Scsi)

	case OperationResetLun:
		if p.Reset == nil {
			return nil, fmt.Errorf("encode %v: missing payload", p.Operation)
		}
		return append(b, p.Reset.Lun, 0, 0, 0), nil

	case OperationCompleteIO:
		if p.Completion == nil {
			return nil, fmt.Errorf("encode %v: missing payload", p.Operation)
		}
		return encodeCompletion(b, p.Completion)

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperation, p.Operation)
	}
}

func encodeScsiRequest(b []byte, req *ScsiRequest) ([]byte, error) {
	if req.CdbLength == 0 || req.CdbLength > CdbSize {
		return nil, fmt.Errorf("%w: %d", ErrBadCdbLength, req.CdbLength)
	}

	b = append(b, req.PathID, req.TargetID, req.Lun, req.CdbLength)
	b = append(b, req.DataIn, 0, 0, 0)
	b = binary.LittleEndian.AppendUint32(b, req.DataTransferLength)
	b = append(b, req.Cdb[:]...)
	return b, nil
}

func encodeCompletion(b []byte, c *Completion) ([]byte, error) {
	b = binary.LittleEndian.AppendUint32(b, uint32(c.Origin))

	switch c.Origin {
	case OperationNone,
		OperationBeginInitialization,
		OperationEndInitialization,
		OperationRemoveDevice,
		OperationResetLun,
		OperationResetAdapter,
		OperationResetBus:
		return b, nil

	case OperationQueryProtocolVersion:
		return binary.LittleEndian.AppendUint32(b, c.SelectedVersion), nil

	case OperationQueryProperties:
		if c.Properties == nil {
			return nil, fmt.Errorf("encode completion %v: missing body", c.Origin)
		}
		b = binary.LittleEndian.AppendUint32(b, c.Properties.MaxTransferBytes)
		b = binary.LittleEndian.AppendUint32(b, c.Properties.MaxOutstandingRequests)
		b = binary.LittleEndian.AppendUint32(b, c.Properties.Flags)
		b = binary.LittleEndian.AppendUint32(b, c.Properties.Reserved)
		return b, nil

	case OperationEnumerateBus:
		if c.Inventory == nil {
			return nil, fmt.Errorf("encode completion %v: missing body", c.Origin)
		}
		if len(c.Inventory.Luns) > MaxReportedLuns {
			return nil, ErrTooManyLuns
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(len(c.Inventory.Luns)))
		return append(b, c.Inventory.Luns...), nil

	case OperationExecuteSRB:
		if c.Scsi == nil {
			return nil, fmt.Errorf("encode completion %v: missing body", c.Origin)
		}
		if len(c.Scsi.SenseData) > SenseBufferSize {
			return nil, fmt.Errorf("%w: %d", ErrBadSenseLength, len(c.Scsi.SenseData))
		}
		b = append(b, c.Scsi.SrbStatus, c.Scsi.ScsiStatus, uint8(len(c.Scsi.SenseData)), 0)
		b = binary.LittleEndian.AppendUint32(b, c.Scsi.DataTransferLength)
		return append(b, c.Scsi.SenseData...), nil

	default:
		return nil, fmt.Errorf("%w: completion origin %d", ErrUnknownOperation, c.Origin)
	}
}
