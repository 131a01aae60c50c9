package protocol

// Host side of the paravirtual storage channel protocol. Packets travel as
// the payload of ring-transport packets; the transaction id lives on the
// transport envelope, not in here. All integers are little-endian.

const (
	// PacketHeaderSize is the fixed prefix every packet starts with.
	PacketHeaderSize = 12

	// ScsiRequestSize is the wire size of the SCSI request block.
	ScsiRequestSize = 28

	CdbSize         = 16
	SenseBufferSize = 20

	// MaxProposedVersions bounds the version list a guest may propose in
	// one negotiation request.
	MaxProposedVersions = 8

	// MaxReportedLuns bounds the bus inventory in an EnumerateBus
	// completion; lun addresses are a single byte.
	MaxReportedLuns = 256
)

type Operation uint32

const (
	// OperationNone is never sent as a request; it appears as the origin
	// of a completion answering a packet whose operation could not be
	// decoded.
	OperationNone = Operation(0)

	OperationCompleteIO           = Operation(1)
	OperationRemoveDevice         = Operation(2)
	OperationExecuteSRB           = Operation(3)
	OperationResetLun             = Operation(4)
	OperationResetAdapter         = Operation(5)
	OperationResetBus             = Operation(6)
	OperationBeginInitialization  = Operation(7)
	OperationEndInitialization    = Operation(8)
	OperationQueryProtocolVersion = Operation(9)
	OperationQueryProperties      = Operation(10)
	OperationEnumerateBus         = Operation(11)
)

func (o Operation) String() string {
	switch o {
	case OperationCompleteIO:
		return "CompleteIO"
	case OperationRemoveDevice:
		return "RemoveDevice"
	case OperationExecuteSRB:
		return "ExecuteSRB"
	case OperationResetLun:
		return "ResetLun"
	case OperationResetAdapter:
		return "ResetAdapter"
	case OperationResetBus:
		return "ResetBus"
	case OperationBeginInitialization:
		return "BeginInitialization"
	case OperationEndInitialization:
		return "EndInitialization"
	case OperationQueryProtocolVersion:
		return "QueryProtocolVersion"
	case OperationQueryProperties:
		return "QueryProperties"
	case OperationEnumerateBus:
		return "EnumerateBus"
	default:
		return "Unknown"
	}
}

type Status uint32

const (
	StatusSuccess            = Status(0)
	StatusUnsuccessful       = Status(1)
	StatusInvalidParameter   = Status(2)
	StatusInvalidDeviceState = Status(3)
	StatusRevisionMismatch   = Status(4)
)

// Protocol versions, major in the high byte, minor in the low byte. The
// host offers them newest first.
const (
	ProtocolVersion1 = uint32(0x0100)
	ProtocolVersion2 = uint32(0x0200)
)

func SupportedVersions() []uint32 {
	return []uint32{ProtocolVersion2, ProtocolVersion1}
}

// Data transfer direction of a SCSI request, from the guest's point of
// view.
const (
	DataTransferNone  = uint8(0)
	DataTransferRead  = uint8(1) // device to guest memory
	DataTransferWrite = uint8(2) // guest memory to device
)

// SRB status codes reported back to the guest.
const (
	SrbStatusSuccess        = uint8(0x01)
	SrbStatusAborted        = uint8(0x02)
	SrbStatusError          = uint8(0x04)
	SrbStatusInvalidRequest = uint8(0x06)
	SrbStatusInvalidLun     = uint8(0x20)
)

// NegotiateRequest is the payload of QueryProtocolVersion. The guest
// proposes every version it speaks; the host selects the highest one it
// also supports.
type NegotiateRequest struct {
	ProposedVersions []uint32
}

// ChannelProperties is the payload of a QueryProperties completion.
type ChannelProperties struct {
	MaxTransferBytes       uint32
	MaxOutstandingRequests uint32
	Flags                  uint32
	Reserved               uint32
}

// ScsiRequest is the payload of ExecuteSRB. The data buffer itself is not
// part of the packet; it arrives as guest-memory descriptors on the
// transport envelope.
type ScsiRequest struct {
	PathID             uint8
	TargetID           uint8
	Lun                uint8
	CdbLength          uint8
	DataIn             uint8
	DataTransferLength uint32
	Cdb                [CdbSize]byte
}

// ScsiResponse is the body of a completion answering ExecuteSRB.
type ScsiResponse struct {
	SrbStatus          uint8
	ScsiStatus         uint8
	DataTransferLength uint32
	SenseData          []byte
}

// ResetLun is the payload of a ResetLun request.
type ResetLun struct {
	Lun uint8
}

// LunInventory is the body of an EnumerateBus completion.
type LunInventory struct {
	Luns []uint8
}

// Completion is the payload of CompleteIO. Origin names the operation the
// completion answers and selects which body field is meaningful.
type Completion struct {
	Origin Operation

	SelectedVersion uint32             // Origin == OperationQueryProtocolVersion
	Properties      *ChannelProperties // Origin == OperationQueryProperties
	Inventory       *LunInventory      // Origin == OperationEnumerateBus
	Scsi            *ScsiResponse      // Origin == OperationExecuteSRB
}

// Packet is one decoded protocol message. Exactly one payload pointer is
// set, matching Operation; operations without a payload set none.
type Packet struct {
	Operation Operation
	Flags     uint32
	Status    Status

	Negotiate  *NegotiateRequest
	Scsi       *ScsiRequest
	Reset      *ResetLun
	Completion *Completion
}
