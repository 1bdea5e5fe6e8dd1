package emulator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tdm-core/logger"
	"tdm-core/protocol/tdm"
	"tdm-core/stats"
	"tdm-core/stream"
)

// DefaultRetryInterval пауза перед повтором неудачного цикла
const DefaultRetryInterval = 10 * time.Millisecond

var (
	ErrInvalidTopology = errors.New("topology value must be at least 1")
	ErrRunning         = errors.New("generator is running")
)

// Generator эмулирует группу колоночных плат TDM.
// На каждый запрос выдает по одному фрейму на каждую колоночную плату.
type Generator struct {
	id     uuid.UUID
	src    stream.Source
	log    *logger.Logger
	retry  time.Duration
	counts *stats.Counters

	// Топология, меняется только при остановленной генерации
	topoMu       sync.RWMutex
	groupID      uint8
	numColBoards uint8
	numRows      uint8

	// Состояние запросов, пишет RequestFrames, читает goroutine генерации
	reqMu     sync.Mutex
	pending   uint64
	serviced  uint64
	timestamp tdm.Timestamp
	sequence  uint32
	lastErr   error
	wake      chan struct{}

	// Незавершенный цикл: после ошибки продолжается с платы failed.col
	// с теми же sequence и меткой времени
	failed *cycle

	// Наличие task означает, что генерация запущена
	lifeMu sync.Mutex
	task   *task
}

type cycle struct {
	target uint64
	ts     tdm.Timestamp
	col    uint8
}

type task struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option настройка генератора
type Option func(*Generator)

// WithLogger задает логгер
func WithLogger(l *logger.Logger) Option {
	return func(g *Generator) {
		g.log = l
	}
}

// WithRetryInterval задает паузу перед повтором неудачного цикла
func WithRetryInterval(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.retry = d
		}
	}
}

// WithSessionID задает идентификатор экземпляра
func WithSessionID(id uuid.UUID) Option {
	return func(g *Generator) {
		g.id = id
	}
}

// New создает генератор для группы groupID.
// По умолчанию одна колоночная плата и одна строка.
func New(groupID uint8, src stream.Source, opts ...Option) *Generator {
	g := &Generator{
		id:           uuid.New(),
		src:          src,
		retry:        DefaultRetryInterval,
		counts:       stats.NewCounters(),
		groupID:      groupID,
		numColBoards: 1,
		numRows:      1,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.Global().Named(fmt.Sprintf("group%d", groupID))
	}
	return g
}

// ID возвращает идентификатор экземпляра
func (g *Generator) ID() uuid.UUID {
	return g.id
}

// GroupID возвращает id группы
func (g *Generator) GroupID() uint8 {
	g.topoMu.RLock()
	defer g.topoMu.RUnlock()
	return g.groupID
}

// NumColBoards возвращает количество колоночных плат
func (g *Generator) NumColBoards() uint8 {
	g.topoMu.RLock()
	defer g.topoMu.RUnlock()
	return g.numColBoards
}

// NumRows возвращает количество строк
func (g *Generator) NumRows() uint8 {
	g.topoMu.RLock()
	defer g.topoMu.RUnlock()
	return g.numRows
}

// SetNumColBoards меняет количество колоночных плат, только при остановленной генерации
func (g *Generator) SetNumColBoards(n uint8) error {
	if n < 1 {
		return fmt.Errorf("set numColBoards: %w", ErrInvalidTopology)
	}
	return g.setTopology(func() { g.numColBoards = n }, "numColBoards")
}

// SetNumRows меняет количество строк, только при остановленной генерации
func (g *Generator) SetNumRows(n uint8) error {
	if n < 1 {
		return fmt.Errorf("set numRows: %w", ErrInvalidTopology)
	}
	return g.setTopology(func() { g.numRows = n }, "numRows")
}

// SetTopology меняет обе величины разом: либо применяются обе, либо ни одна
func (g *Generator) SetTopology(numColBoards, numRows uint8) error {
	if numColBoards < 1 || numRows < 1 {
		return fmt.Errorf("set topology %dx%d: %w", numColBoards, numRows, ErrInvalidTopology)
	}
	return g.setTopology(func() {
		g.numColBoards = numColBoards
		g.numRows = numRows
	}, "topology")
}

func (g *Generator) setTopology(apply func(), name string) error {
	// lifeMu держим до конца, чтобы Start не проскочил между проверкой и записью
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.task != nil {
		return fmt.Errorf("set %s: %w", name, ErrRunning)
	}

	g.topoMu.Lock()
	apply()
	g.topoMu.Unlock()

	// Незавершенный цикл с новой топологией выдается заново целиком
	g.reqMu.Lock()
	if g.failed != nil {
		g.failed.col = 0
	}
	g.reqMu.Unlock()
	return nil
}

// Running сообщает, запущена ли генерация
func (g *Generator) Running() bool {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	return g.task != nil
}

// Start запускает goroutine генерации. Если уже запущена, ничего не делает.
func (g *Generator) Start() {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	if g.task != nil {
		return
	}

	t := &task{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	g.task = t
	go g.run(t)

	g.log.Info("generation started: colBoards=%d rows=%d", g.NumColBoards(), g.NumRows())
}

// Stop останавливает генерацию и ждет завершения goroutine.
// Если не запущена, ничего не делает.
func (g *Generator) Stop() {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	if g.task == nil {
		return
	}

	close(g.task.stopCh)
	<-g.task.doneCh
	g.task = nil

	g.log.Info("generation stopped at sequence %d", g.Sequence())
}

// Close останавливает генерацию
func (g *Generator) Close() error {
	g.Stop()
	return nil
}

// RequestFrames запрашивает один цикл генерации с заданной меткой времени.
// Запросы, пришедшие до завершения цикла, объединяются в один следующий цикл.
func (g *Generator) RequestFrames(a, b, c uint32) {
	g.reqMu.Lock()
	g.pending++
	g.timestamp = tdm.Timestamp{A: a, B: b, C: c}
	g.reqMu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// RequestAt запрашивает цикл с 64-битной меткой времени
func (g *Generator) RequestAt(ts uint64) {
	t := tdm.TimestampFrom64(ts)
	g.RequestFrames(t.A, t.B, t.C)
}

// CountReset обнуляет счетчики отправленных фреймов и байтов
func (g *Generator) CountReset() {
	g.counts.Reset()
}

// TxFrameCount возвращает количество отправленных фреймов
func (g *Generator) TxFrameCount() uint64 {
	return g.counts.Frames()
}

// TxByteCount возвращает количество отправленных байтов
func (g *Generator) TxByteCount() uint64 {
	return g.counts.Bytes()
}

// Counters возвращает снимок счетчиков
func (g *Generator) Counters() stats.Snapshot {
	return g.counts.Snapshot()
}

// Sequence возвращает номер следующего цикла
func (g *Generator) Sequence() uint32 {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()
	return g.sequence
}

// LastError возвращает ошибку последнего цикла, nil после успешного
func (g *Generator) LastError() error {
	g.reqMu.Lock()
	defer g.reqMu.Unlock()
	return g.lastErr
}

// run цикл генерации
func (g *Generator) run(t *task) {
	defer close(t.doneCh)

	// Повтор той же ошибки пишется в DEBUG
	var lastLogged string

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		g.reqMu.Lock()
		cur := g.failed
		if cur == nil && g.pending > g.serviced {
			cur = &cycle{target: g.pending, ts: g.timestamp}
		}
		var from uint8
		var ts tdm.Timestamp
		if cur != nil {
			from, ts = cur.col, cur.ts
		}
		seq := g.sequence
		g.reqMu.Unlock()

		if cur == nil {
			select {
			case <-g.wake:
			case <-t.stopCh:
				return
			}
			continue
		}

		next, err := g.genFrames(ts, seq, from)

		g.reqMu.Lock()
		g.lastErr = err
		if err == nil {
			g.serviced = cur.target
			g.sequence++
			g.failed = nil
		} else {
			cur.col = next
			g.failed = cur
		}
		g.reqMu.Unlock()

		if err == nil {
			if lastLogged != "" {
				g.log.Info("cycle %d completed after retry", seq)
				lastLogged = ""
			}
			continue
		}

		if msg := err.Error(); msg != lastLogged {
			g.log.Warn("cycle %d failed at column board %d, will retry: %v", seq, next, err)
			lastLogged = msg
		} else {
			g.log.Debug("cycle %d still failing at column board %d: %v", seq, next, err)
		}
		select {
		case <-time.After(g.retry):
		case <-t.stopCh:
			return
		}
	}
}

// genFrames выдает по фрейму на каждую колоночную плату, начиная с from, с одним sequence.
// Возвращает плату, на которой произошла ошибка.
func (g *Generator) genFrames(ts tdm.Timestamp, seq uint32, from uint8) (uint8, error) {
	g.topoMu.RLock()
	groupID, numCol, numRows := g.groupID, g.numColBoards, g.numRows
	g.topoMu.RUnlock()

	size := tdm.FrameSize(numRows)

	for col := int(from); col < int(numCol); col++ {
		frame, err := g.src.RequestFrame(size, true)
		if err != nil {
			return uint8(col), fmt.Errorf("request frame: %w", err)
		}

		_, err = tdm.Encode(frame.Buffer(), tdm.Params{
			GroupID:       groupID,
			NumRows:       numRows,
			ColumnBoardID: uint8(col),
			Sequence:      seq,
			Timestamp:     ts,
		})
		if err == nil {
			err = frame.SetPayload(size)
		}
		if err != nil {
			frame.Release()
			return uint8(col), fmt.Errorf("encode frame: %w", err)
		}

		if err := g.src.SendFrame(frame); err != nil {
			frame.Release()
			return uint8(col), fmt.Errorf("send frame: %w", err)
		}

		g.counts.Add(1, uint64(size))
	}

	return numCol, nil
}
