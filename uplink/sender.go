package uplink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tdm-core/logger"
	"tdm-core/transport"
)

const (
	// DefaultQueueDepth глубина очереди фреймов
	DefaultQueueDepth = 1024

	// StopPollInterval как часто uplink проверяет флаг остановки
	StopPollInterval = 50 * time.Millisecond
)

var (
	ErrNotInitialized = errors.New("uplink not initialized")
	ErrQueueFull      = errors.New("uplink queue full")
	ErrStopped        = errors.New("uplink stopped")
)

// Sender пересылает байты фреймов сборщику через собственную горутину.
// Остановка кооперативная: владелец выставляет stop, горутина замечает флаг.
type Sender struct {
	host      string
	port      int
	stop      *atomic.Bool
	log       *logger.Logger
	sessionID uuid.UUID
	depth     int
	timeout   time.Duration

	rowsMu sync.Mutex
	rows   []transport.DetectorRow

	mu       sync.Mutex
	hostname string
	client   *transport.Client
	queue   chan []byte
	doneCh  chan struct{}
	started bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Option настройка Sender
type Option func(*Sender)

// WithLogger задает логгер
func WithLogger(l *logger.Logger) Option {
	return func(s *Sender) {
		s.log = l
	}
}

// WithQueueDepth задает глубину очереди
func WithQueueDepth(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.depth = n
		}
	}
}

// WithDialTimeout задает таймаут подключения
func WithDialTimeout(d time.Duration) Option {
	return func(s *Sender) {
		s.timeout = d
	}
}

// New создает Sender для сборщика host:port. stop общий с владельцем.
func New(host string, port int, stop *atomic.Bool, opts ...Option) *Sender {
	if stop == nil {
		stop = &atomic.Bool{}
	}
	s := &Sender{
		host:      host,
		port:      port,
		stop:      stop,
		sessionID: uuid.New(),
		depth:     DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Named("uplink")
	}
	return s
}

// SessionID возвращает идентификатор сессии, отправляемый в Hello
func (s *Sender) SessionID() uuid.UUID {
	return s.sessionID
}

// AddDetectorRow регистрирует строку детектора до начала трафика
func (s *Sender) AddDetectorRow(groupID, columnBoardID, rowIndex, rowLen uint8) {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()

	s.rows = append(s.rows, transport.DetectorRow{
		GroupID:       groupID,
		ColumnBoardID: columnBoardID,
		RowIndex:      rowIndex,
		RowLen:        rowLen,
	})
}

// SetGroupRows заменяет строки группы на сетку numColBoards x numRows.
// Если связь уже установлена, сборщику уходит новый Hello.
func (s *Sender) SetGroupRows(groupID, numColBoards, numRows, rowLen uint8) error {
	s.rowsMu.Lock()
	rows := s.rows[:0:0]
	for _, r := range s.rows {
		if r.GroupID != groupID {
			rows = append(rows, r)
		}
	}
	for col := 0; col < int(numColBoards); col++ {
		for row := 0; row < int(numRows); row++ {
			rows = append(rows, transport.DetectorRow{
				GroupID:       groupID,
				ColumnBoardID: uint8(col),
				RowIndex:      uint8(row),
				RowLen:        rowLen,
			})
		}
	}
	s.rows = rows
	s.rowsMu.Unlock()

	s.mu.Lock()
	client, host, started := s.client, s.hostname, s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	if s.stop.Load() {
		return ErrStopped
	}

	msg, err := transport.NewHelloMessage(&transport.Hello{
		SessionID: s.sessionID,
		Host:      host,
		Rows:      s.Rows(),
	})
	if err != nil {
		return err
	}
	if err := client.Send(msg); err != nil {
		return fmt.Errorf("resend hello: %w", err)
	}
	s.log.Info("group %d rows updated: %dx%d", groupID, numColBoards, numRows)
	return nil
}

// Rows возвращает копию зарегистрированных строк
func (s *Sender) Rows() []transport.DetectorRow {
	s.rowsMu.Lock()
	defer s.rowsMu.Unlock()
	return append([]transport.DetectorRow(nil), s.rows...)
}

// InitializeCommunication подключается к сборщику и запускает горутину uplink.
// Повторный вызов ничего не делает.
func (s *Sender) InitializeCommunication() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.stop.Load() {
		return ErrStopped
	}

	host, _ := os.Hostname()
	client, err := transport.Dial(context.Background(), &transport.ClientConfig{
		ServerAddr:  s.host,
		ServerPort:  s.port,
		DialTimeout: s.timeout,
		Hello: &transport.Hello{
			SessionID: s.sessionID,
			Host:      host,
			Rows:      s.Rows(),
		},
	})
	if err != nil {
		return fmt.Errorf("initialize communication: %w", err)
	}

	s.hostname = host
	s.client = client
	s.queue = make(chan []byte, s.depth)
	s.doneCh = make(chan struct{})
	s.started = true

	go s.run(client, s.queue, s.doneCh)

	s.log.Info("uplink to %s session %s", client.RemoteAddr(), s.sessionID)
	return nil
}

// IngestFrame ставит копию байтов фрейма в очередь отправки
func (s *Sender) IngestFrame(payload []byte) error {
	if s.stop.Load() {
		return ErrStopped
	}

	s.mu.Lock()
	queue, started := s.queue, s.started
	s.mu.Unlock()

	if !started {
		return ErrNotInitialized
	}

	buf := append([]byte(nil), payload...)
	select {
	case queue <- buf:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Sent возвращает количество отправленных фреймов
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}

// Dropped возвращает количество фреймов, не попавших в очередь
func (s *Sender) Dropped() uint64 {
	return s.dropped.Load()
}

// Wait ждет завершения горутины uplink
func (s *Sender) Wait() {
	s.mu.Lock()
	done := s.doneCh
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// run отправляет фреймы из очереди, пока не выставлен stop
func (s *Sender) run(client *transport.Client, queue <-chan []byte, done chan struct{}) {
	defer close(done)
	defer client.Close()

	ticker := time.NewTicker(StopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-queue:
			if err := client.SendFrame(buf); err != nil {
				s.log.Error("send frame: %v", err)
				s.stop.Store(true)
				return
			}
			s.sent.Add(1)
		case <-ticker.C:
		}

		if s.stop.Load() {
			s.log.Debug("uplink stopping, %d frames sent", s.sent.Load())
			return
		}
	}
}
