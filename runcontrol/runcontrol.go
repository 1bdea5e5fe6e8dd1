package runcontrol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tdm-core/logger"
)

// SupportedRates частоты запуска, Гц
var SupportedRates = []int{1, 100, 400}

var ErrUnsupportedRate = errors.New("unsupported run rate")

// Requester получатель запросов цикла, например emulator.Generator
type Requester interface {
	RequestAt(ts uint64)
}

// Timestamp метка времени в единицах 100 мкс
func Timestamp(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(100*time.Microsecond))
}

// RunControl периодически запрашивает циклы у всех зарегистрированных генераторов
type RunControl struct {
	log *logger.Logger
	now func() time.Time

	mu         sync.Mutex
	rate       int
	requesters []Requester
	stopCh     chan struct{}
	doneCh     chan struct{}

	runCount atomic.Uint64
}

// New создает RunControl с частотой 1 Гц
func New(l *logger.Logger) *RunControl {
	if l == nil {
		l = logger.Global().Named("runcontrol")
	}
	return &RunControl{
		log:  l,
		now:  time.Now,
		rate: SupportedRates[0],
	}
}

// Add регистрирует получателя
func (rc *RunControl) Add(r Requester) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.requesters = append(rc.requesters, r)
}

// Rate возвращает частоту, Гц
func (rc *RunControl) Rate() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.rate
}

// SetRate меняет частоту. Во время работы применяется со следующего тика.
func (rc *RunControl) SetRate(hz int) error {
	for _, r := range SupportedRates {
		if r == hz {
			rc.mu.Lock()
			rc.rate = hz
			rc.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("set rate %d Hz: %w", hz, ErrUnsupportedRate)
}

// Running сообщает, идет ли запуск
func (rc *RunControl) Running() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stopCh != nil
}

// RunCount количество тиков текущего запуска
func (rc *RunControl) RunCount() uint64 {
	return rc.runCount.Load()
}

// Start начинает запуск и обнуляет счетчик. Повторный вызов ничего не делает.
func (rc *RunControl) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.stopCh != nil {
		return
	}

	rc.runCount.Store(0)
	rc.stopCh = make(chan struct{})
	rc.doneCh = make(chan struct{})
	go rc.run(rc.stopCh, rc.doneCh)

	rc.log.Info("run started at %d Hz", rc.rate)
}

// Stop завершает запуск и ждет горутину
func (rc *RunControl) Stop() {
	rc.mu.Lock()
	stopCh, doneCh := rc.stopCh, rc.doneCh
	rc.stopCh, rc.doneCh = nil, nil
	rc.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh

	rc.log.Info("run stopped after %d ticks", rc.runCount.Load())
}

func (rc *RunControl) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		rc.mu.Lock()
		period := time.Second / time.Duration(rc.rate)
		rc.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(period):
		}

		rc.tick()
	}
}

// tick один запрос всем получателям
func (rc *RunControl) tick() {
	ts := Timestamp(rc.now())

	rc.mu.Lock()
	reqs := append([]Requester(nil), rc.requesters...)
	rc.mu.Unlock()

	for _, r := range reqs {
		r.RequestAt(ts)
	}
	rc.runCount.Add(1)
}
