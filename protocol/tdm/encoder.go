package tdm

import (
	"encoding/binary"
	"fmt"
)

// Encode пишет фрейм в dst и возвращает число записанных байт.
// Все зарезервированные байты пишутся нулями явно, содержимое dst
// до вызова не важно.
func Encode(dst []byte, p Params) (int, error) {
	if p.NumRows == 0 {
		return 0, ErrNoRows
	}

	size := FrameSize(p.NumRows)
	if len(dst) < size {
		return 0, fmt.Errorf("encode frame: %w (have %d, need %d)", ErrShortBuffer, len(dst), size)
	}
	buf := dst[:size]

	buf[0] = SyncMarker
	buf[offGroupID] = p.GroupID
	buf[offReserved0] = 0
	buf[offNumRows] = p.NumRows
	binary.LittleEndian.PutUint32(buf[offTimestampA:], p.Timestamp.A)
	binary.LittleEndian.PutUint32(buf[offTimestampB:], p.Timestamp.B)
	binary.LittleEndian.PutUint32(buf[offTimestampC:], p.Timestamp.C)
	binary.LittleEndian.PutUint32(buf[offSequence:], p.Sequence)
	clear(buf[offReserved1:HeaderSize])

	for row := 0; row < int(p.NumRows); row++ {
		r := buf[HeaderSize+RowSize*row : HeaderSize+RowSize*(row+1)]
		r[0] = uint8(row)
		clear(r[1:rowHeaderSize])

		for x := 0; x < SlotsPerRow; x++ {
			s := r[rowHeaderSize+SlotSize*x:]
			s[0] = uint8(x)
			s[1] = uint8(row)
			s[2] = p.ColumnBoardID
			s[3] = p.GroupID
		}
	}

	return size, nil
}

// EncodeFrame кодирует фрейм в новый буфер
func EncodeFrame(p Params) ([]byte, error) {
	if p.NumRows == 0 {
		return nil, ErrNoRows
	}
	buf := make([]byte, FrameSize(p.NumRows))
	if _, err := Encode(buf, p); err != nil {
		return nil, err
	}
	return buf, nil
}
