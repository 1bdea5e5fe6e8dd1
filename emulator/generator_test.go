package emulator

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"tdm-core/logger"
	"tdm-core/protocol/tdm"
	"tdm-core/stream"
)

// captureSource запоминает копии отправленных фреймов
type captureSource struct {
	mu      sync.Mutex
	frames  [][]byte
	okFirst int           // сколько SendFrame пропустить до ошибок failN
	failN   int           // сколько следующих SendFrame завершить ошибкой
	gate    chan struct{} // если не nil, SendFrame ждет закрытия
	entered chan struct{}
}

var errSend = errors.New("link down")

func (s *captureSource) RequestFrame(size int, zeroCopy bool) (*stream.Frame, error) {
	return stream.NewFrame(make([]byte, size)), nil
}

func (s *captureSource) SendFrame(f *stream.Frame) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.okFirst > 0 {
		s.okFirst--
	} else if s.failN > 0 {
		s.failN--
		return errSend
	}
	s.frames = append(s.frames, append([]byte(nil), f.Bytes()...))
	return nil
}

func (s *captureSource) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func quietLogger() *logger.Logger {
	return logger.New(logger.ERROR, io.Discard, "test")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestDefaults(t *testing.T) {
	g := New(5, &captureSource{}, WithLogger(quietLogger()))

	if g.GroupID() != 5 || g.NumColBoards() != 1 || g.NumRows() != 1 {
		t.Errorf("defaults mismatch: group=%d col=%d rows=%d", g.GroupID(), g.NumColBoards(), g.NumRows())
	}
	if g.Running() {
		t.Error("new generator should be stopped")
	}
}

func TestTopologyValidation(t *testing.T) {
	g := New(0, &captureSource{}, WithLogger(quietLogger()))

	if err := g.SetNumRows(0); !errors.Is(err, ErrInvalidTopology) {
		t.Errorf("SetNumRows(0) error = %v, want ErrInvalidTopology", err)
	}
	if err := g.SetNumColBoards(0); !errors.Is(err, ErrInvalidTopology) {
		t.Errorf("SetNumColBoards(0) error = %v, want ErrInvalidTopology", err)
	}
	if g.NumRows() != 1 || g.NumColBoards() != 1 {
		t.Errorf("rejected values must not be applied")
	}

	g.Start()
	defer g.Stop()

	if err := g.SetNumRows(4); !errors.Is(err, ErrRunning) {
		t.Errorf("SetNumRows while running error = %v, want ErrRunning", err)
	}
}

func TestSetTopologyAllOrNothing(t *testing.T) {
	g := New(0, &captureSource{}, WithLogger(quietLogger()))

	tests := []struct {
		cols, rows uint8
		want       error
	}{
		{2, 0, ErrInvalidTopology},
		{0, 3, ErrInvalidTopology},
		{2, 3, nil},
	}
	for _, tt := range tests {
		err := g.SetTopology(tt.cols, tt.rows)
		if !errors.Is(err, tt.want) {
			t.Errorf("SetTopology(%d, %d) error = %v, want %v", tt.cols, tt.rows, err, tt.want)
		}
	}
	if g.NumColBoards() != 2 || g.NumRows() != 3 {
		t.Errorf("topology = %dx%d, want 2x3", g.NumColBoards(), g.NumRows())
	}

	g.Start()
	defer g.Stop()
	if err := g.SetTopology(5, 6); !errors.Is(err, ErrRunning) {
		t.Errorf("SetTopology while running error = %v, want ErrRunning", err)
	}
	if g.NumColBoards() != 2 || g.NumRows() != 3 {
		t.Errorf("topology changed while running: %dx%d", g.NumColBoards(), g.NumRows())
	}
}

func TestOneCycleShape(t *testing.T) {
	tests := []struct {
		cols uint8
		rows uint8
	}{
		{1, 1},
		{2, 1},
		{4, 32},
		{3, 7},
	}

	for _, tt := range tests {
		src := &captureSource{}
		g := New(3, src, WithLogger(quietLogger()))
		if err := g.SetNumColBoards(tt.cols); err != nil {
			t.Fatal(err)
		}
		if err := g.SetNumRows(tt.rows); err != nil {
			t.Fatal(err)
		}

		g.Start()
		g.RequestFrames(10, 20, 30)
		waitFor(t, "one cycle", func() bool { return g.Sequence() == 1 })
		g.Stop()

		frames := src.snapshot()
		if len(frames) != int(tt.cols) {
			t.Fatalf("cols=%d rows=%d: got %d frames", tt.cols, tt.rows, len(frames))
		}

		for i, f := range frames {
			if len(f) != 24+36*int(tt.rows) {
				t.Errorf("frame %d length %d, want %d", i, len(f), 24+36*int(tt.rows))
			}
			if err := tdm.Validate(f); err != nil {
				t.Errorf("frame %d invalid: %v", i, err)
			}
			h, _ := tdm.DecodeHeader(f)
			if h.Sequence != 0 {
				t.Errorf("frame %d sequence %d, want 0", i, h.Sequence)
			}
			if h.Timestamp != (tdm.Timestamp{A: 10, B: 20, C: 30}) {
				t.Errorf("frame %d timestamp %+v", i, h.Timestamp)
			}
			col, _ := tdm.ColumnBoardID(f)
			if col != uint8(i) {
				t.Errorf("frame %d column board %d, want %d", i, col, i)
			}
		}

		if g.TxFrameCount() != uint64(tt.cols) {
			t.Errorf("TxFrameCount = %d, want %d", g.TxFrameCount(), tt.cols)
		}
		if g.TxByteCount() != uint64(tt.cols)*uint64(tdm.FrameSize(tt.rows)) {
			t.Errorf("TxByteCount = %d", g.TxByteCount())
		}
	}
}

func TestSequenceIncrementsPerCycle(t *testing.T) {
	src := &captureSource{}
	g := New(1, src, WithLogger(quietLogger()))
	g.SetNumColBoards(2)

	g.Start()
	defer g.Stop()

	for i := uint32(1); i <= 5; i++ {
		g.RequestAt(uint64(i))
		waitFor(t, "cycle", func() bool { return g.Sequence() == i })
	}

	frames := src.snapshot()
	if len(frames) != 10 {
		t.Fatalf("got %d frames, want 10", len(frames))
	}
	for i, f := range frames {
		h, err := tdm.DecodeHeader(f)
		if err != nil {
			t.Fatal(err)
		}
		if h.Sequence != uint32(i/2) {
			t.Errorf("frame %d sequence %d, want %d", i, h.Sequence, i/2)
		}
	}
}

func TestRequestsCoalesceBeforeStart(t *testing.T) {
	src := &captureSource{}
	g := New(2, src, WithLogger(quietLogger()))

	g.RequestFrames(1, 1, 1)
	g.RequestFrames(2, 2, 2)

	g.Start()
	waitFor(t, "cycle", func() bool { return g.Sequence() == 1 })
	time.Sleep(20 * time.Millisecond)
	g.Stop()

	frames := src.snapshot()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want exactly one batch of 1", len(frames))
	}
	h, _ := tdm.DecodeHeader(frames[0])
	if h.Timestamp.A != 2 {
		t.Errorf("cycle used timestamp %+v, want latest (2,2,2)", h.Timestamp)
	}
}

func TestRequestsCoalesceDuringCycle(t *testing.T) {
	src := &captureSource{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	g := New(2, src, WithLogger(quietLogger()))

	g.Start()
	defer g.Stop()

	g.RequestFrames(1, 0, 0)
	<-src.entered // первый цикл в процессе

	g.RequestFrames(2, 0, 0)
	g.RequestFrames(3, 0, 0)
	close(src.gate)

	waitFor(t, "two cycles", func() bool { return g.Sequence() == 2 })
	time.Sleep(20 * time.Millisecond)

	if g.Sequence() != 2 {
		t.Fatalf("sequence = %d, want 2 (no duplicate batch)", g.Sequence())
	}
	frames := src.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	h, _ := tdm.DecodeHeader(frames[1])
	if h.Timestamp.A != 3 || h.Sequence != 1 {
		t.Errorf("second cycle header %+v, want timestamp A=3 sequence=1", h)
	}
}

func TestFailedCycleIsRetried(t *testing.T) {
	src := &captureSource{failN: 2}
	g := New(4, src, WithLogger(quietLogger()), WithRetryInterval(time.Millisecond))

	g.Start()
	defer g.Stop()

	g.RequestFrames(7, 0, 0)
	waitFor(t, "retried cycle", func() bool { return g.Sequence() == 1 })

	if len(src.snapshot()) != 1 {
		t.Errorf("got %d frames, want 1", len(src.snapshot()))
	}
	if g.TxFrameCount() != 1 {
		t.Errorf("failed sends must not be counted: TxFrameCount = %d", g.TxFrameCount())
	}
	if g.LastError() != nil {
		t.Errorf("LastError after success = %v, want nil", g.LastError())
	}
}

func TestFailedCycleResumesAtFailedBoard(t *testing.T) {
	src := &captureSource{okFirst: 1, failN: 1}
	g := New(4, src, WithLogger(quietLogger()), WithRetryInterval(time.Millisecond))
	if err := g.SetNumColBoards(2); err != nil {
		t.Fatal(err)
	}

	g.Start()
	defer g.Stop()

	g.RequestFrames(5, 6, 7)
	waitFor(t, "retried cycle", func() bool { return g.Sequence() == 1 })

	frames := src.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (no board sent twice)", len(frames))
	}
	for i, f := range frames {
		h, _ := tdm.DecodeHeader(f)
		col, _ := tdm.ColumnBoardID(f)
		if h.Sequence != 0 || col != uint8(i) {
			t.Errorf("frame %d = (seq %d, col %d), want (seq 0, col %d)", i, h.Sequence, col, i)
		}
		if h.Timestamp != (tdm.Timestamp{A: 5, B: 6, C: 7}) {
			t.Errorf("frame %d timestamp %+v", i, h.Timestamp)
		}
	}
	if g.TxFrameCount() != 2 {
		t.Errorf("TxFrameCount = %d, want 2", g.TxFrameCount())
	}
}

func TestResumedCycleKeepsTimestamp(t *testing.T) {
	src := &captureSource{okFirst: 1, failN: 1 << 30}
	g := New(4, src, WithLogger(quietLogger()), WithRetryInterval(time.Millisecond))
	if err := g.SetNumColBoards(2); err != nil {
		t.Fatal(err)
	}

	g.Start()
	defer g.Stop()

	g.RequestFrames(1, 0, 0)
	waitFor(t, "failure", func() bool { return g.LastError() != nil })

	// новый запрос во время повторов не меняет метку незавершенного цикла
	g.RequestFrames(2, 0, 0)
	src.mu.Lock()
	src.failN = 0
	src.mu.Unlock()
	waitFor(t, "two cycles", func() bool { return g.Sequence() == 2 })

	frames := src.snapshot()
	want := []struct {
		seq uint32
		col uint8
		a   uint32
	}{
		{0, 0, 1},
		{0, 1, 1},
		{1, 0, 2},
		{1, 1, 2},
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		h, _ := tdm.DecodeHeader(frames[i])
		col, _ := tdm.ColumnBoardID(frames[i])
		if h.Sequence != w.seq || col != w.col || h.Timestamp.A != w.a {
			t.Errorf("frame %d = (seq %d, col %d, A=%d), want (seq %d, col %d, A=%d)",
				i, h.Sequence, col, h.Timestamp.A, w.seq, w.col, w.a)
		}
	}
}

func TestRepeatedFailureLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	src := &captureSource{failN: 5}
	g := New(4, src, WithLogger(logger.New(logger.DEBUG, &buf, "test")), WithRetryInterval(time.Millisecond))

	g.Start()
	g.RequestFrames(1, 0, 0)
	waitFor(t, "recovery", func() bool { return g.Sequence() == 1 })
	g.Stop()

	out := buf.String()
	if n := strings.Count(out, "\tWARN\t"); n != 1 {
		t.Errorf("WARN lines = %d, want 1:\n%s", n, out)
	}
	if n := strings.Count(out, "still failing"); n != 4 {
		t.Errorf("repeat DEBUG lines = %d, want 4:\n%s", n, out)
	}
	if !strings.Contains(out, "completed after retry") {
		t.Errorf("recovery not logged:\n%s", out)
	}
}

func TestFailedCycleKeepsSequence(t *testing.T) {
	src := &captureSource{failN: 1 << 30}
	g := New(4, src, WithLogger(quietLogger()), WithRetryInterval(time.Millisecond))

	g.Start()
	g.RequestFrames(1, 0, 0)
	waitFor(t, "error", func() bool { return g.LastError() != nil })
	g.Stop()

	if !errors.Is(g.LastError(), errSend) {
		t.Errorf("LastError = %v, want wrapped errSend", g.LastError())
	}
	if g.Sequence() != 0 {
		t.Errorf("sequence advanced on failure: %d", g.Sequence())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	g := New(0, &captureSource{}, WithLogger(quietLogger()))

	g.Stop() // не запущен, ничего не происходит

	g.Start()
	first := g.task
	g.Start()
	if g.task != first {
		t.Error("second Start spawned a new task")
	}

	done := first.doneCh
	g.Stop()
	select {
	case <-done:
	default:
		t.Error("Stop returned before goroutine exited")
	}
	if g.Running() {
		t.Error("generator still running after Stop")
	}

	g.Stop()
	if err := g.Close(); err != nil {
		t.Errorf("Close error = %v", err)
	}
}

func TestCountReset(t *testing.T) {
	src := &captureSource{}
	g := New(0, src, WithLogger(quietLogger()))
	g.Start()
	defer g.Stop()

	g.RequestFrames(0, 0, 0)
	waitFor(t, "cycle", func() bool { return g.Sequence() == 1 })

	g.CountReset()
	if g.TxFrameCount() != 0 || g.TxByteCount() != 0 {
		t.Errorf("after CountReset got %d/%d", g.TxFrameCount(), g.TxByteCount())
	}
}

func TestGeneratorWithMaster(t *testing.T) {
	m := stream.NewMaster()
	var mu sync.Mutex
	var sizes []int
	m.Connect(stream.SinkFunc(func(f *stream.Frame) {
		mu.Lock()
		sizes = append(sizes, f.Payload())
		mu.Unlock()
	}))

	g := New(3, m, WithLogger(quietLogger()))
	g.SetNumColBoards(2)
	g.Start()
	defer g.Stop()

	g.RequestFrames(1, 2, 3)
	waitFor(t, "cycle", func() bool { return g.Sequence() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 2 || sizes[0] != 60 || sizes[1] != 60 {
		t.Errorf("payload sizes = %v, want [60 60]", sizes)
	}
}
