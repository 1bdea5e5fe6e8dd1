package bufpool

import (
	"sync"
)

// MaxFrameSize самый большой TDM фрейм: 24 + 36*255
const MaxFrameSize = 9204

// Pool пул буферов одного класса размера
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool создает новый пул буферов
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size возвращает емкость буферов пула
func (p *Pool) Size() int {
	return p.size
}

// Get получает обнуленный буфер из пула
func (p *Pool) Get() []byte {
	bufPtr := p.pool.Get().(*[]byte)
	return *bufPtr
}

// Put возвращает буфер в пул
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	// Очищаем буфер перед возвратом в пул
	clear(buf)
	p.pool.Put(&buf)
}

// Классы размеров. 64 строки помещаются в SmallPool, 255 строк в LargePool.
var (
	// SmallPool до 4KB
	SmallPool = NewPool(4 * 1024)

	// LargePool под самый большой фрейм
	LargePool = NewPool(16 * 1024)
)

// Get получает буфер длины size из подходящего пула.
// Больше LargePool выделяется без пула.
func Get(size int) []byte {
	switch {
	case size <= SmallPool.Size():
		return SmallPool.Get()[:size]
	case size <= LargePool.Size():
		return LargePool.Get()[:size]
	default:
		return make([]byte, size)
	}
}

// Put возвращает буфер в соответствующий пул по емкости
func Put(buf []byte) {
	switch cap(buf) {
	case SmallPool.Size():
		SmallPool.Put(buf)
	case LargePool.Size():
		LargePool.Put(buf)
	}
}
