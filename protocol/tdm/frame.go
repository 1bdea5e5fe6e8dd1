package tdm

import "errors"

// Раскладка фрейма (little-endian):
//
//	0     sync 0xAA
//	1     groupId
//	2     reserved
//	3     numRows
//	4-15  timestamp A, B, C (u32)
//	16    sequence (u32)
//	20-23 reserved
//	24+36r            rowIndex, 3 reserved
//	28+36r+4x .. +3   x, rowIndex, columnBoardId, groupId
const (
	SyncMarker  byte = 0xAA
	HeaderSize       = 24
	RowSize          = 36
	SlotsPerRow      = 8
	SlotSize         = 4

	offGroupID    = 1
	offReserved0  = 2
	offNumRows    = 3
	offTimestampA = 4
	offTimestampB = 8
	offTimestampC = 12
	offSequence   = 16
	offReserved1  = 20

	rowHeaderSize = 4
)

var (
	ErrNoRows      = errors.New("numRows must be at least 1")
	ErrShortBuffer = errors.New("buffer too small for frame")
	ErrBadSync     = errors.New("bad sync marker")
	ErrLength      = errors.New("frame length does not match numRows")
	ErrReserved    = errors.New("reserved byte is not zero")
	ErrSlot        = errors.New("row slot mismatch")
)

// Timestamp тройка 32-битных полей метки времени
type Timestamp struct {
	A uint32
	B uint32
	C uint32
}

// TimestampFrom64 раскладывает 64-битную метку: A младшие 32 бита, B старшие, C = 0
func TimestampFrom64(ts uint64) Timestamp {
	return Timestamp{
		A: uint32(ts),
		B: uint32(ts >> 32),
	}
}

// Uint64 собирает A и B обратно в 64-битное значение
func (t Timestamp) Uint64() uint64 {
	return uint64(t.B)<<32 | uint64(t.A)
}

// Params все, что нужно для кодирования одного фрейма одной колоночной платы
type Params struct {
	GroupID       uint8
	NumRows       uint8
	ColumnBoardID uint8
	Sequence      uint32
	Timestamp     Timestamp
}

// Header разобранный заголовок фрейма
type Header struct {
	GroupID   uint8
	NumRows   uint8
	Timestamp Timestamp
	Sequence  uint32
}

// FrameSize возвращает длину фрейма для numRows строк
func FrameSize(numRows uint8) int {
	return HeaderSize + RowSize*int(numRows)
}
