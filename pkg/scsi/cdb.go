package scsi

import "encoding/binary"

// CDB builders for initiators (the guest-side client and tests).

func Read10Cdb(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = OpRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func Write10Cdb(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = OpWrite10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func InquiryCdb(alloc uint16) []byte {
	cdb := make([]byte, 6)
	cdb[0] = OpInquiry
	binary.BigEndian.PutUint16(cdb[3:5], alloc)
	return cdb
}

func TestUnitReadyCdb() []byte {
	return make([]byte, 6)
}

func ReadCapacity10Cdb() []byte {
	cdb := make([]byte, 10)
	cdb[0] = OpReadCapacity10
	return cdb
}
