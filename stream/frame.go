package stream

import (
	"fmt"
	"sync"

	"tdm-core/common/bufpool"
)

// Frame буфер фрейма с длиной полезной нагрузки.
// Доступ к данным во время обработки защищается через Lock.
type Frame struct {
	mu       sync.Mutex
	buf      []byte
	payload  int
	zeroCopy bool
	pooled   bool
}

// NewFrame оборачивает готовые байты во фрейм, payload = len(data)
func NewFrame(data []byte) *Frame {
	return &Frame{
		buf:     data,
		payload: len(data),
	}
}

func newPooledFrame(size int, zeroCopy bool) *Frame {
	return &Frame{
		buf:      bufpool.Get(size),
		zeroCopy: zeroCopy,
		pooled:   true,
	}
}

// Capacity возвращает размер буфера
func (f *Frame) Capacity() int {
	return len(f.buf)
}

// Payload возвращает длину полезной нагрузки
func (f *Frame) Payload() int {
	return f.payload
}

// SetPayload устанавливает длину полезной нагрузки
func (f *Frame) SetPayload(n int) error {
	if n < 0 || n > len(f.buf) {
		return fmt.Errorf("set payload %d: capacity is %d", n, len(f.buf))
	}
	f.payload = n
	return nil
}

// Buffer возвращает весь буфер для записи
func (f *Frame) Buffer() []byte {
	return f.buf
}

// Bytes возвращает окно полезной нагрузки
func (f *Frame) Bytes() []byte {
	return f.buf[:f.payload]
}

// ZeroCopy true, если фрейм запрашивался с поддержкой полезной нагрузки без копирования
func (f *Frame) ZeroCopy() bool {
	return f.zeroCopy
}

// Lock захватывает фрейм эксклюзивно
func (f *Frame) Lock() *FrameLock {
	f.mu.Lock()
	return &FrameLock{frame: f}
}

// Release возвращает буфер в пул. После Release фрейм использовать нельзя.
func (f *Frame) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pooled && f.buf != nil {
		bufpool.Put(f.buf)
	}
	f.buf = nil
	f.payload = 0
}

// FrameLock захваченная блокировка фрейма
type FrameLock struct {
	once  sync.Once
	frame *Frame
}

// Unlock освобождает фрейм. Повторный вызов ничего не делает.
func (l *FrameLock) Unlock() {
	l.once.Do(func() {
		l.frame.mu.Unlock()
	})
}
