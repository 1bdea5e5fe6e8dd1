package receiver

import (
	"errors"
	"sync"
	"sync/atomic"

	"tdm-core/logger"
	"tdm-core/stats"
	"tdm-core/stream"
	"tdm-core/uplink"
)

// DefaultRowLen длина строки детектора по умолчанию
const DefaultRowLen = 8

// Sender получатель байтов фреймов ниже по потоку
type Sender interface {
	AddDetectorRow(groupID, columnBoardID, rowIndex, rowLen uint8)
	InitializeCommunication() error
	IngestFrame(payload []byte) error
}

// RowUpdater Sender, умеющий заменить строки группы после старта
type RowUpdater interface {
	SetGroupRows(groupID, numColBoards, numRows, rowLen uint8) error
}

var ErrRowsFixed = errors.New("sender does not support row updates")

// SenderFactory строит Sender, разделяющий флаг остановки с Receiver
type SenderFactory func(stop *atomic.Bool) Sender

// Receiver принимает фреймы из потока, считает их и пересылает байты в Sender
type Receiver struct {
	sender     Sender
	senderStop atomic.Bool
	log        *logger.Logger

	// Фреймы и байты под одним мьютексом внутри Counters
	counts *stats.Counters

	fwdMu       sync.Mutex
	fwdErrors   uint64
	lastForward error

	uplinkOpts []uplink.Option
}

// Option настройка Receiver
type Option func(*Receiver)

// WithLogger задает логгер
func WithLogger(l *logger.Logger) Option {
	return func(r *Receiver) {
		r.log = l
	}
}

// WithUplinkOptions передает настройки в uplink.Sender, созданный New
func WithUplinkOptions(opts ...uplink.Option) Option {
	return func(r *Receiver) {
		r.uplinkOpts = append(r.uplinkOpts, opts...)
	}
}

// New создает Receiver с uplink к сборщику collectorHost:collectorPort
func New(collectorHost string, collectorPort int, opts ...Option) *Receiver {
	r := newReceiver(opts)
	uopts := append([]uplink.Option{uplink.WithLogger(r.log.Named("uplink"))}, r.uplinkOpts...)
	r.sender = uplink.New(collectorHost, collectorPort, &r.senderStop, uopts...)
	return r
}

// NewWithSender создает Receiver с произвольным Sender
func NewWithSender(factory SenderFactory, opts ...Option) *Receiver {
	r := newReceiver(opts)
	r.sender = factory(&r.senderStop)
	return r
}

func newReceiver(opts []Option) *Receiver {
	r := &Receiver{counts: stats.NewCounters()}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Named("receiver")
	}
	return r
}

// Sender возвращает Sender
func (r *Receiver) Sender() Sender {
	return r.sender
}

// AddDetectorRow регистрирует строку детектора в Sender
func (r *Receiver) AddDetectorRow(groupID, columnBoardID, rowIndex, rowLen uint8) {
	r.sender.AddDetectorRow(groupID, columnBoardID, rowIndex, rowLen)
}

// SetGroupRows заменяет строки группы в Sender после смены топологии
func (r *Receiver) SetGroupRows(groupID, numColBoards, numRows uint8) error {
	u, ok := r.sender.(RowUpdater)
	if !ok {
		return ErrRowsFixed
	}
	return u.SetGroupRows(groupID, numColBoards, numRows, DefaultRowLen)
}

// InitializeCommunication запускает связь Sender со сборщиком
func (r *Receiver) InitializeCommunication() error {
	return r.sender.InitializeCommunication()
}

// AcceptFrame вызывается потоком на каждый пришедший фрейм.
// Ошибка пересылки не влияет на учет: считаются принятые фреймы.
func (r *Receiver) AcceptFrame(frame *stream.Frame) {
	lock := frame.Lock()
	defer lock.Unlock()

	payload := frame.Bytes()
	fwdErr := r.sender.IngestFrame(payload)

	r.counts.Add(1, uint64(len(payload)))

	if fwdErr != nil {
		r.fwdMu.Lock()
		r.fwdErrors++
		r.lastForward = fwdErr
		r.fwdMu.Unlock()
		r.log.Debug("forward frame: %v", fwdErr)
	}
}

// CountReset обнуляет счетчики
func (r *Receiver) CountReset() {
	r.counts.Reset()

	r.fwdMu.Lock()
	r.fwdErrors = 0
	r.lastForward = nil
	r.fwdMu.Unlock()
}

// RxFrameCount возвращает количество принятых фреймов
func (r *Receiver) RxFrameCount() uint64 {
	return r.counts.Frames()
}

// RxByteCount возвращает количество принятых байтов
func (r *Receiver) RxByteCount() uint64 {
	return r.counts.Bytes()
}

// ForwardErrors возвращает количество неудачных пересылок и последнюю ошибку
func (r *Receiver) ForwardErrors() (uint64, error) {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	return r.fwdErrors, r.lastForward
}

// Snapshot возвращает согласованный снимок счетчиков
func (r *Receiver) Snapshot() stats.Snapshot {
	return r.counts.Snapshot()
}

// Close просит Sender остановить свою горутину. Не ждет ее завершения.
func (r *Receiver) Close() error {
	r.senderStop.Store(true)
	return nil
}
