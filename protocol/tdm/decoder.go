package tdm

import (
	"encoding/binary"
	"fmt"
)

// DecodeHeader разбирает заголовок и проверяет длину фрейма
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("decode header: %w (have %d bytes)", ErrShortBuffer, len(b))
	}
	if b[0] != SyncMarker {
		return Header{}, fmt.Errorf("decode header: %w 0x%02X", ErrBadSync, b[0])
	}

	h := Header{
		GroupID: b[offGroupID],
		NumRows: b[offNumRows],
		Timestamp: Timestamp{
			A: binary.LittleEndian.Uint32(b[offTimestampA:]),
			B: binary.LittleEndian.Uint32(b[offTimestampB:]),
			C: binary.LittleEndian.Uint32(b[offTimestampC:]),
		},
		Sequence: binary.LittleEndian.Uint32(b[offSequence:]),
	}

	if h.NumRows == 0 {
		return Header{}, fmt.Errorf("decode header: %w", ErrNoRows)
	}
	if len(b) != FrameSize(h.NumRows) {
		return Header{}, fmt.Errorf("decode header: %w (have %d, want %d)", ErrLength, len(b), FrameSize(h.NumRows))
	}

	return h, nil
}

// ColumnBoardID возвращает id колоночной платы из первого слота
func ColumnBoardID(b []byte) (uint8, error) {
	if len(b) < HeaderSize+RowSize {
		return 0, fmt.Errorf("column board id: %w", ErrShortBuffer)
	}
	return b[HeaderSize+rowHeaderSize+2], nil
}

// Validate полностью проверяет фрейм: заголовок, нулевые резервы и слоты строк
func Validate(b []byte) error {
	h, err := DecodeHeader(b)
	if err != nil {
		return err
	}

	if b[offReserved0] != 0 {
		return fmt.Errorf("validate: %w at offset %d", ErrReserved, offReserved0)
	}
	for i := offReserved1; i < HeaderSize; i++ {
		if b[i] != 0 {
			return fmt.Errorf("validate: %w at offset %d", ErrReserved, i)
		}
	}

	col, _ := ColumnBoardID(b)

	for row := 0; row < int(h.NumRows); row++ {
		base := HeaderSize + RowSize*row
		if b[base] != uint8(row) {
			return fmt.Errorf("validate: %w: row index %d at offset %d", ErrSlot, b[base], base)
		}
		for i := base + 1; i < base+rowHeaderSize; i++ {
			if b[i] != 0 {
				return fmt.Errorf("validate: %w at offset %d", ErrReserved, i)
			}
		}
		for x := 0; x < SlotsPerRow; x++ {
			s := base + rowHeaderSize + SlotSize*x
			if b[s] != uint8(x) || b[s+1] != uint8(row) || b[s+2] != col || b[s+3] != h.GroupID {
				return fmt.Errorf("validate: %w: row %d slot %d = % X", ErrSlot, row, x, b[s:s+SlotSize])
			}
		}
	}

	return nil
}
