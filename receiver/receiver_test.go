package receiver

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tdm-core/emulator"
	"tdm-core/logger"
	"tdm-core/protocol/tdm"
	"tdm-core/stream"
	"tdm-core/uplink"
)

type fakeSender struct {
	mu     sync.Mutex
	stop   *atomic.Bool
	rows   [][4]uint8
	frames [][]byte
	inits  int
	fail   error
}

func (s *fakeSender) AddDetectorRow(groupID, columnBoardID, rowIndex, rowLen uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, [4]uint8{groupID, columnBoardID, rowIndex, rowLen})
}

func (s *fakeSender) InitializeCommunication() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return nil
}

func (s *fakeSender) IngestFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func newTestReceiver(fs *fakeSender) *Receiver {
	return NewWithSender(func(stop *atomic.Bool) Sender {
		fs.stop = stop
		return fs
	}, WithLogger(logger.New(logger.ERROR, io.Discard, "")))
}

func TestAcceptFrameCountsAndForwards(t *testing.T) {
	fs := &fakeSender{}
	r := newTestReceiver(fs)

	r.AcceptFrame(stream.NewFrame(make([]byte, 60)))
	r.AcceptFrame(stream.NewFrame(make([]byte, 96)))

	if r.RxFrameCount() != 2 {
		t.Errorf("RxFrameCount = %d, want 2", r.RxFrameCount())
	}
	if r.RxByteCount() != 156 {
		t.Errorf("RxByteCount = %d, want 156", r.RxByteCount())
	}
	if len(fs.frames) != 2 || len(fs.frames[1]) != 96 {
		t.Errorf("forwarded frames mismatch: %d", len(fs.frames))
	}

	r.CountReset()
	if r.RxFrameCount() != 0 || r.RxByteCount() != 0 {
		t.Errorf("after CountReset got %d/%d", r.RxFrameCount(), r.RxByteCount())
	}
}

func TestAcceptFramePayloadWindow(t *testing.T) {
	fs := &fakeSender{}
	r := newTestReceiver(fs)

	f := stream.NewFrame(make([]byte, 100))
	if err := f.SetPayload(60); err != nil {
		t.Fatal(err)
	}
	r.AcceptFrame(f)

	if r.RxByteCount() != 60 {
		t.Errorf("RxByteCount = %d, want payload length 60", r.RxByteCount())
	}
	if len(fs.frames[0]) != 60 {
		t.Errorf("forwarded %d bytes, want 60", len(fs.frames[0]))
	}
}

func TestForwardFailureStillCounted(t *testing.T) {
	fail := errors.New("collector unreachable")
	fs := &fakeSender{fail: fail}
	r := newTestReceiver(fs)

	r.AcceptFrame(stream.NewFrame(make([]byte, 60)))

	if r.RxFrameCount() != 1 || r.RxByteCount() != 60 {
		t.Errorf("counts after failed forward = %d/%d, want 1/60", r.RxFrameCount(), r.RxByteCount())
	}
	n, last := r.ForwardErrors()
	if n != 1 || !errors.Is(last, fail) {
		t.Errorf("ForwardErrors = %d, %v", n, last)
	}
}

func TestAcceptFrameReleasesLockOnPanic(t *testing.T) {
	r := NewWithSender(func(stop *atomic.Bool) Sender {
		return panicSender{}
	}, WithLogger(logger.New(logger.ERROR, io.Discard, "")))

	f := stream.NewFrame(make([]byte, 10))
	func() {
		defer func() { recover() }()
		r.AcceptFrame(f)
	}()

	locked := make(chan struct{})
	go func() {
		f.Lock().Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("frame lock not released after failure")
	}
}

type panicSender struct{}

func (panicSender) AddDetectorRow(groupID, columnBoardID, rowIndex, rowLen uint8) {}
func (panicSender) InitializeCommunication() error                                { return nil }
func (panicSender) IngestFrame([]byte) error                                      { panic("sender exploded") }

func TestDelegation(t *testing.T) {
	fs := &fakeSender{}
	r := newTestReceiver(fs)

	r.AddDetectorRow(3, 1, 0, DefaultRowLen)
	if err := r.InitializeCommunication(); err != nil {
		t.Fatal(err)
	}

	if len(fs.rows) != 1 || fs.rows[0] != [4]uint8{3, 1, 0, 8} {
		t.Errorf("rows = %v", fs.rows)
	}
	if fs.inits != 1 {
		t.Errorf("inits = %d, want 1", fs.inits)
	}
}

func TestSetGroupRows(t *testing.T) {
	r := New("127.0.0.1", 1, WithLogger(logger.New(logger.ERROR, io.Discard, "")))
	defer r.Close()

	r.AddDetectorRow(3, 0, 0, DefaultRowLen)
	r.AddDetectorRow(5, 0, 0, DefaultRowLen)
	if err := r.SetGroupRows(3, 2, 3); err != nil {
		t.Fatalf("SetGroupRows before start error = %v", err)
	}

	rows := r.Sender().(*uplink.Sender).Rows()
	var group3, group5 int
	for _, row := range rows {
		switch row.GroupID {
		case 3:
			group3++
		case 5:
			group5++
		}
	}
	if group3 != 6 || group5 != 1 {
		t.Errorf("rows group3=%d group5=%d, want 6 and 1", group3, group5)
	}

	rp := NewWithSender(func(*atomic.Bool) Sender { return panicSender{} })
	if err := rp.SetGroupRows(3, 1, 1); !errors.Is(err, ErrRowsFixed) {
		t.Errorf("SetGroupRows on fixed sender error = %v, want ErrRowsFixed", err)
	}
}

func TestCloseSignalsSender(t *testing.T) {
	fs := &fakeSender{}
	r := newTestReceiver(fs)

	if fs.stop.Load() {
		t.Fatal("stop flag set before Close")
	}
	r.Close()
	r.Close()
	if !fs.stop.Load() {
		t.Error("Close did not set sender stop flag")
	}
}

func TestConcurrentAcceptAndReset(t *testing.T) {
	fs := &fakeSender{}
	r := newTestReceiver(fs)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.AcceptFrame(stream.NewFrame(make([]byte, 60)))
			}
		}()
	}
	for i := 0; i < 50; i++ {
		r.CountReset()
		snap := r.Snapshot()
		if snap.Bytes != snap.Frames*60 {
			t.Fatalf("split counters: frames=%d bytes=%d", snap.Frames, snap.Bytes)
		}
	}
	wg.Wait()
}

// Генератор группы 3 с двумя платами и одной строкой через Master в Receiver
func TestGeneratorToReceiver(t *testing.T) {
	fs := &fakeSender{}
	r := newTestReceiver(fs)

	m := stream.NewMaster()
	m.Connect(r)

	g := emulator.New(3, m, emulator.WithLogger(logger.New(logger.ERROR, io.Discard, "")))
	if err := g.SetNumColBoards(2); err != nil {
		t.Fatal(err)
	}
	if err := g.SetNumRows(1); err != nil {
		t.Fatal(err)
	}

	g.Start()
	defer g.Stop()
	g.RequestFrames(1, 2, 3)

	deadline := time.Now().Add(2 * time.Second)
	for r.RxFrameCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if r.RxFrameCount() != 2 {
		t.Errorf("RxFrameCount = %d, want 2", r.RxFrameCount())
	}
	if r.RxByteCount() != 120 {
		t.Errorf("RxByteCount = %d, want 120", r.RxByteCount())
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, f := range fs.frames {
		if err := tdm.Validate(f); err != nil {
			t.Errorf("forwarded frame %d invalid: %v", i, err)
		}
	}
}

// Без сборщика фреймы все равно считаются, ошибки пересылки копятся отдельно
func TestNewWithoutCollector(t *testing.T) {
	r := New("127.0.0.1", 1,
		WithLogger(logger.New(logger.ERROR, io.Discard, "")),
		WithUplinkOptions(uplink.WithDialTimeout(200*time.Millisecond)))
	defer r.Close()

	if _, ok := r.Sender().(*uplink.Sender); !ok {
		t.Fatalf("Sender = %T, want *uplink.Sender", r.Sender())
	}
	if err := r.InitializeCommunication(); err == nil {
		t.Fatal("InitializeCommunication succeeded without collector")
	}

	r.AcceptFrame(stream.NewFrame(make([]byte, 60)))
	if r.RxFrameCount() != 1 {
		t.Errorf("RxFrameCount = %d, want 1", r.RxFrameCount())
	}
	n, last := r.ForwardErrors()
	if n != 1 || !errors.Is(last, uplink.ErrNotInitialized) {
		t.Errorf("ForwardErrors = %d, %v", n, last)
	}
}
