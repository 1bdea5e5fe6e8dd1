package stats

import (
	"sync"
	"time"
)

// Counters считает фреймы и байты.
// Оба счетчика меняются под одним мьютексом, читатель никогда не видит
// фрейм без его байтов.
type Counters struct {
	mu           sync.Mutex
	frames       uint64
	bytes        uint64
	resetAt      time.Time
	lastActivity time.Time
}

// NewCounters создает обнуленные счетчики
func NewCounters() *Counters {
	now := time.Now()
	return &Counters{
		resetAt:      now,
		lastActivity: now,
	}
}

// Add добавляет фреймы и байты одной операцией
func (c *Counters) Add(frames, bytes uint64) {
	c.mu.Lock()
	c.frames += frames
	c.bytes += bytes
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Reset обнуляет оба счетчика
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames = 0
	c.bytes = 0
	c.resetAt = time.Now()
}

// Frames возвращает количество фреймов с последнего сброса
func (c *Counters) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Bytes возвращает количество байтов с последнего сброса
func (c *Counters) Bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Snapshot снимок счетчиков
type Snapshot struct {
	Frames       uint64        `json:"frames"`
	Bytes        uint64        `json:"bytes"`
	SinceReset   time.Duration `json:"since_reset"`
	LastActivity time.Time     `json:"last_activity"`
}

// Snapshot возвращает согласованный снимок
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Frames:       c.frames,
		Bytes:        c.bytes,
		SinceReset:   time.Since(c.resetAt),
		LastActivity: c.lastActivity,
	}
}

// FrameRate средняя частота фреймов с последнего сброса
func (s Snapshot) FrameRate() float64 {
	if s.SinceReset <= 0 {
		return 0
	}
	return float64(s.Frames) / s.SinceReset.Seconds()
}
