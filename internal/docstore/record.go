package docstore

import "encoding/binary"

// indexRecordSize is the fixed width of one index entry: u32 offset + u16 size.
const indexRecordSize = 6

// indexRecord is one fixed-size entry in the <idx> file, positioned at virtualID*6.
type indexRecord struct {
	offset uint32
	size   uint16
}

func (r indexRecord) isEmpty() bool {
	return r.offset == 0 && r.size == 0
}

func encodeIndexRecord(r indexRecord) [indexRecordSize]byte {
	var buf [indexRecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.offset)
	binary.LittleEndian.PutUint16(buf[4:6], r.size)
	return buf
}

func decodeIndexRecord(buf []byte) indexRecord {
	return indexRecord{
		offset: binary.LittleEndian.Uint32(buf[0:4]),
		size:   binary.LittleEndian.Uint16(buf[4:6]),
	}
}

func indexOffsetFor(virtualID uint32) int64 {
	return int64(virtualID) * indexRecordSize
}
