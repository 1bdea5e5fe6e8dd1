package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageType тип сообщения канала сборщика
type MessageType byte

const (
	MsgHello MessageType = 0x01 // регистрация сессии и строк детектора, msgpack
	MsgFrame MessageType = 0x02 // сырой TDM фрейм
)

// String возвращает имя типа
func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgFrame:
		return "frame"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(t))
	}
}

// HeaderSize тип(1) + длина(4)
const HeaderSize = 5

// MaxBodySize ограничение тела сообщения
const MaxBodySize = 1 << 20

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrUnknownType     = errors.New("unknown message type")
)

// Message одно сообщение канала
type Message struct {
	Type MessageType
	Body []byte
}

// DetectorRow одна зарегистрированная строка детектора
type DetectorRow struct {
	GroupID       uint8 `msgpack:"group_id" json:"group_id"`
	ColumnBoardID uint8 `msgpack:"column_board_id" json:"column_board_id"`
	RowIndex      uint8 `msgpack:"row_index" json:"row_index"`
	RowLen        uint8 `msgpack:"row_len" json:"row_len"`
}

// Hello первое сообщение сессии
type Hello struct {
	SessionID uuid.UUID     `msgpack:"session_id" json:"session_id"`
	Host      string        `msgpack:"host,omitempty" json:"host,omitempty"`
	Rows      []DetectorRow `msgpack:"rows" json:"rows"`
}

// NewHelloMessage кодирует Hello в сообщение
func NewHelloMessage(h *Hello) (Message, error) {
	body, err := msgpack.Marshal(h)
	if err != nil {
		return Message{}, fmt.Errorf("marshal hello: %w", err)
	}
	return Message{Type: MsgHello, Body: body}, nil
}

// DecodeHello разбирает тело Hello
func DecodeHello(m Message) (*Hello, error) {
	if m.Type != MsgHello {
		return nil, fmt.Errorf("decode hello: unexpected %s message", m.Type)
	}
	var h Hello
	if err := msgpack.Unmarshal(m.Body, &h); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	return &h, nil
}

// WriteMessage пишет сообщение целиком
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Body) > MaxBodySize {
		return fmt.Errorf("write %s: %w: %d bytes", m.Type, ErrMessageTooLarge, len(m.Body))
	}

	buf := make([]byte, HeaderSize+len(m.Body))
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(buf[1:HeaderSize], uint32(len(m.Body)))
	copy(buf[HeaderSize:], m.Body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// ReadMessage читает одно сообщение
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}

	t := MessageType(hdr[0])
	if t != MsgHello && t != MsgFrame {
		return Message{}, fmt.Errorf("read message: %w 0x%02X", ErrUnknownType, hdr[0])
	}

	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > MaxBodySize {
		return Message{}, fmt.Errorf("read %s: %w: %d bytes", t, ErrMessageTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read %s body: %w", t, err)
	}

	return Message{Type: t, Body: body}, nil
}
