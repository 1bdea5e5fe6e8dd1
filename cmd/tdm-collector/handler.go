package main

import (
	"net"
	"sort"
	"sync"

	"tdm-core/logger"
	"tdm-core/protocol/tdm"
	"tdm-core/stats"
	"tdm-core/transport"
)

// frameCounter проверяет пришедшие фреймы и считает их по группам
type frameCounter struct {
	log *logger.Logger

	mu       sync.Mutex
	groups   map[uint8]*stats.Counters
	invalid  uint64
	sessions int
	lastSeq  map[uint8]uint32
}

func newFrameCounter(l *logger.Logger) *frameCounter {
	return &frameCounter{
		log:     l,
		groups:  make(map[uint8]*stats.Counters),
		lastSeq: make(map[uint8]uint32),
	}
}

func (c *frameCounter) HandleHello(remote net.Addr, hello *transport.Hello) {
	c.mu.Lock()
	c.sessions++
	c.mu.Unlock()

	c.log.Info("session %s from %s (%s), %d detector rows", hello.SessionID, hello.Host, remote, len(hello.Rows))
}

func (c *frameCounter) HandleFrame(remote net.Addr, frame []byte) {
	if err := tdm.Validate(frame); err != nil {
		c.mu.Lock()
		c.invalid++
		c.mu.Unlock()
		c.log.Warn("invalid frame from %s: %v", remote, err)
		return
	}

	h, err := tdm.DecodeHeader(frame)
	if err != nil {
		c.mu.Lock()
		c.invalid++
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	counts, ok := c.groups[h.GroupID]
	if !ok {
		counts = stats.NewCounters()
		c.groups[h.GroupID] = counts
	}
	c.lastSeq[h.GroupID] = h.Sequence
	c.mu.Unlock()

	counts.Add(1, uint64(len(frame)))
}

type groupLine struct {
	group    uint8
	sequence uint32
	snap     stats.Snapshot
}

// snapshot счетчики по возрастанию номера группы
func (c *frameCounter) snapshot() ([]groupLine, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]groupLine, 0, len(c.groups))
	for id, counts := range c.groups {
		out = append(out, groupLine{group: id, sequence: c.lastSeq[id], snap: counts.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].group < out[j].group })
	return out, c.invalid
}
