package stream

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSinks   = errors.New("no sinks connected")
	ErrClosed    = errors.New("stream master closed")
	ErrFrameSize = errors.New("invalid frame size")
)

// Source выделяет буферы фреймов и отдает их дальше по потоку
type Source interface {
	RequestFrame(size int, zeroCopy bool) (*Frame, error)
	SendFrame(frame *Frame) error
}

// Sink принимает фреймы. Фрейм принадлежит Sink только на время вызова.
type Sink interface {
	AcceptFrame(frame *Frame)
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(frame *Frame)

// AcceptFrame вызывает f(frame)
func (f SinkFunc) AcceptFrame(frame *Frame) {
	f(frame)
}

// Master источник фреймов с набором подключенных Sink.
// SendFrame синхронно доставляет фрейм каждому Sink в порядке подключения.
type Master struct {
	mu     sync.RWMutex
	sinks  []Sink
	closed bool
}

// NewMaster создает Master без подключений
func NewMaster() *Master {
	return &Master{}
}

// Connect подключает Sink
func (m *Master) Connect(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// SinkCount возвращает количество подключенных Sink
func (m *Master) SinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// RequestFrame выделяет фрейм из пула
func (m *Master) RequestFrame(size int, zeroCopy bool) (*Frame, error) {
	if size <= 0 {
		return nil, fmt.Errorf("request frame: %w: %d", ErrFrameSize, size)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	return newPooledFrame(size, zeroCopy), nil
}

// SendFrame доставляет фрейм всем Sink и освобождает его.
// При ошибке фрейм остается у вызывающего.
func (m *Master) SendFrame(frame *Frame) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.RUnlock()

	if len(sinks) == 0 {
		return ErrNoSinks
	}

	for _, s := range sinks {
		s.AcceptFrame(frame)
	}
	frame.Release()

	return nil
}

// Close отключает все Sink, дальнейшие запросы возвращают ErrClosed
func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.sinks = nil
	return nil
}
