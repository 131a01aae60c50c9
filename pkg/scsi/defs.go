package scsi

// SCSI command opcodes the emulated disk understands.
const (
	OpTestUnitReady    = uint8(0x00)
	OpRequestSense     = uint8(0x03)
	OpInquiry          = uint8(0x12)
	OpModeSense6       = uint8(0x1a)
	OpReadCapacity10   = uint8(0x25)
	OpRead10           = uint8(0x28)
	OpWrite10          = uint8(0x2a)
	OpSynchronizeCache = uint8(0x35)
	OpRead16           = uint8(0x88)
	OpWrite16          = uint8(0x8a)
	OpServiceActionIn  = uint8(0x9e)
	OpReportLuns       = uint8(0xa0)
)

// Service actions for OpServiceActionIn.
const (
	ServiceActionReadCapacity16 = uint8(0x10)
)

// SCSI status codes.
const (
	StatusGood           = uint8(0x00)
	StatusCheckCondition = uint8(0x02)
	StatusBusy           = uint8(0x08)
	StatusTaskSetFull    = uint8(0x28)
)

// Sense keys.
const (
	SenseKeyNoSense        = uint8(0x0)
	SenseKeyNotReady       = uint8(0x2)
	SenseKeyMediumError    = uint8(0x3)
	SenseKeyIllegalRequest = uint8(0x5)
	SenseKeyDataProtect    = uint8(0x7)
	SenseKeyAbortedCommand = uint8(0xb)
)

// Additional sense codes.
const (
	AscInvalidCommandOperationCode = uint8(0x20)
	AscLbaOutOfRange               = uint8(0x21)
	AscInvalidFieldInCdb           = uint8(0x24)
	AscLogicalUnitNotSupported     = uint8(0x25)
	AscWriteError                  = uint8(0x0c)
	AscUnrecoveredReadError        = uint8(0x11)
	AscWriteProtected              = uint8(0x27)
)

const (
	// FixedSenseSize is the size of the fixed-format sense data this
	// engine reports.
	FixedSenseSize = 18

	inquiryDataSize  = 36
	deviceTypeDirect = uint8(0x00)
)

// Sense is the key/ASC/ASCQ triple attached to a CHECK CONDITION.
type Sense struct {
	Key  uint8
	Asc  uint8
	Ascq uint8
}

var (
	SenseInvalidOpcode = Sense{SenseKeyIllegalRequest, AscInvalidCommandOperationCode, 0x00}
	SenseInvalidField  = Sense{SenseKeyIllegalRequest, AscInvalidFieldInCdb, 0x00}
	SenseLbaOutOfRange = Sense{SenseKeyIllegalRequest, AscLbaOutOfRange, 0x00}
	SenseNoLun         = Sense{SenseKeyIllegalRequest, AscLogicalUnitNotSupported, 0x00}
	SenseReadError     = Sense{SenseKeyMediumError, AscUnrecoveredReadError, 0x00}
	SenseWriteError    = Sense{SenseKeyMediumError, AscWriteError, 0x00}
	SenseWriteProtect  = Sense{SenseKeyDataProtect, AscWriteProtected, 0x00}
)

// FixedFormat renders the sense as fixed-format sense data (response code
// 0x70, current errors).
func (s Sense) FixedFormat() []byte {
	b := make([]byte, FixedSenseSize)
	b[0] = 0x70
	b[2] = s.Key
	b[7] = FixedSenseSize - 8 // additional sense length
	b[12] = s.Asc
	b[13] = s.Ascq
	return b
}
