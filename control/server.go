package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tdm-core/emulator"
	"tdm-core/logger"
	"tdm-core/protocol/tdm"
	"tdm-core/receiver"
	"tdm-core/runcontrol"
)

var ErrDuplicateGroup = errors.New("group already registered")

// MinStreamInterval минимальный период потока статистики
const MinStreamInterval = 100 * time.Millisecond

// Server HTTP API управления эмулятором
type Server struct {
	listen string
	log    *logger.Logger

	rx  *receiver.Receiver
	run *runcontrol.RunControl

	mu     sync.RWMutex
	groups map[uint8]*emulator.Generator

	httpSrv *http.Server

	// Закрывается в Shutdown, завершает потоки статистики
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer создает сервер управления. rx и run могут быть nil.
func NewServer(listen string, rx *receiver.Receiver, run *runcontrol.RunControl, l *logger.Logger) *Server {
	if l == nil {
		l = logger.Global().Named("control")
	}
	return &Server{
		listen: listen,
		log:    l,
		rx:     rx,
		run:    run,
		groups: make(map[uint8]*emulator.Generator),
		done:   make(chan struct{}),
	}
}

// RegisterGroup добавляет генератор. Ошибка регистрации не фатальна, пишется в лог.
func (s *Server) RegisterGroup(g *emulator.Generator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.GroupID()]; ok {
		err := fmt.Errorf("register group %d: %w", g.GroupID(), ErrDuplicateGroup)
		s.log.Warn("%v", err)
		return err
	}
	s.groups[g.GroupID()] = g
	return nil
}

// Group возвращает генератор группы
func (s *Server) Group(id uint8) (*emulator.Generator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

func (s *Server) sortedGroups() []*emulator.Generator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*emulator.Generator, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID() < out[j].GroupID() })
	return out
}

// Handler возвращает gin.Engine со всеми маршрутами
func (s *Server) Handler() http.Handler {
	return s.newAPI()
}

func (s *Server) newAPI() *gin.Engine {
	eng := gin.New()
	eng.Use(gin.Recovery(), s.requestLog())

	apiV1 := eng.Group("/v1")
	apiV1.GET("/health", s.health)
	apiV1.GET("/stats", s.getStats)
	apiV1.GET("/stats/stream", s.streamStats)

	apiV1.GET("/groups", s.listGroups)
	apiV1.GET("/groups/:id", s.getGroup)
	apiV1.PUT("/groups/:id/topology", s.setTopology)
	apiV1.POST("/groups/:id/start", s.startGroup)
	apiV1.POST("/groups/:id/stop", s.stopGroup)
	apiV1.POST("/groups/:id/request", s.requestFrames)
	apiV1.POST("/groups/:id/count-reset", s.resetGroup)

	apiV1.GET("/receiver", s.getReceiver)
	apiV1.POST("/receiver/count-reset", s.resetReceiver)

	apiV1.GET("/run", s.getRun)
	apiV1.POST("/run/start", s.startRun)
	apiV1.POST("/run/stop", s.stopRun)
	apiV1.PUT("/run/rate", s.setRate)

	return eng
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		s.log.Debug("%s %s %d %s", ctx.Request.Method, ctx.Request.URL.Path, ctx.Writer.Status(), time.Since(start))
	}
}

// ListenAndServe слушает адрес и обслуживает запросы до Shutdown
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve обслуживает запросы на ln
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Handler:           s.newAPI(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info("control API on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown останавливает HTTP сервер и открытые потоки статистики
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) health(ctx *gin.Context) {
	ctx.Status(http.StatusOK)
}

func fail(ctx *gin.Context, code int, err error) {
	ctx.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}

// lookupGroup разбирает :id, при ошибке отвечает сам
func (s *Server) lookupGroup(ctx *gin.Context) (*emulator.Generator, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 8)
	if err != nil {
		fail(ctx, http.StatusBadRequest, fmt.Errorf("invalid group id %q", ctx.Param("id")))
		return nil, false
	}
	g, ok := s.Group(uint8(id))
	if !ok {
		fail(ctx, http.StatusNotFound, fmt.Errorf("group %d not found", id))
		return nil, false
	}
	return g, true
}

func groupStatus(g *emulator.Generator) GroupStatus {
	st := GroupStatus{
		ID:           g.GroupID(),
		SessionID:    g.ID().String(),
		NumColBoards: g.NumColBoards(),
		NumRows:      g.NumRows(),
		FrameSize:    tdm.FrameSize(g.NumRows()),
		Running:      g.Running(),
		Sequence:     g.Sequence(),
		Tx:           g.Counters(),
	}
	if err := g.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (s *Server) listGroups(ctx *gin.Context) {
	groups := s.sortedGroups()
	out := make([]GroupStatus, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupStatus(g))
	}
	ctx.JSON(http.StatusOK, out)
}

func (s *Server) getGroup(ctx *gin.Context) {
	g, ok := s.lookupGroup(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, groupStatus(g))
}

func (s *Server) setTopology(ctx *gin.Context) {
	g, ok := s.lookupGroup(ctx)
	if !ok {
		return
	}

	var req TopologyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	if req.NumColBoards == nil && req.NumRows == nil {
		fail(ctx, http.StatusBadRequest, errors.New("num_col_boards or num_rows required"))
		return
	}
	cols, rows := g.NumColBoards(), g.NumRows()
	if req.NumColBoards != nil {
		cols = *req.NumColBoards
	}
	if req.NumRows != nil {
		rows = *req.NumRows
	}

	switch err := g.SetTopology(cols, rows); {
	case errors.Is(err, emulator.ErrRunning):
		fail(ctx, http.StatusConflict, err)
		return
	case err != nil:
		fail(ctx, http.StatusBadRequest, err)
		return
	}

	// Сборщик должен узнать новые строки группы
	if s.rx != nil {
		if err := s.rx.SetGroupRows(g.GroupID(), cols, rows); err != nil {
			s.log.Warn("group %d: update uplink rows: %v", g.GroupID(), err)
		}
	}

	ctx.JSON(http.StatusOK, groupStatus(g))
}

func (s *Server) startGroup(ctx *gin.Context) {
	g, ok := s.lookupGroup(ctx)
	if !ok {
		return
	}
	g.Start()
	ctx.JSON(http.StatusOK, groupStatus(g))
}

func (s *Server) stopGroup(ctx *gin.Context) {
	g, ok := s.lookupGroup(ctx)
	if !ok {
		return
	}
	g.Stop()
	ctx.JSON(http.StatusOK, groupStatus(g))
}

func (s *Server) requestFrames(ctx *gin.Context) {
	g, ok := s.lookupGroup(ctx)
	if !ok {
		return
	}

	if ctx.Request.ContentLength > 0 {
		var req FrameRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			fail(ctx, http.StatusBadRequest, err)
			return
		}
		g.RequestFrames(req.A, req.B, req.C)
	} else {
		g.RequestAt(runcontrol.Timestamp(time.Now()))
	}
	ctx.Status(http.StatusAccepted)
}

func (s *Server) resetGroup(ctx *gin.Context) {
	g, ok := s.lookupGroup(ctx)
	if !ok {
		return
	}
	g.CountReset()
	ctx.Status(http.StatusNoContent)
}

func (s *Server) receiverStatus() ReceiverStatus {
	if s.rx == nil {
		return ReceiverStatus{}
	}
	st := ReceiverStatus{Rx: s.rx.Snapshot()}
	n, last := s.rx.ForwardErrors()
	st.ForwardErrors = n
	if last != nil {
		st.LastForwardError = last.Error()
	}
	return st
}

func (s *Server) getReceiver(ctx *gin.Context) {
	if s.rx == nil {
		fail(ctx, http.StatusNotFound, errors.New("no receiver attached"))
		return
	}
	ctx.JSON(http.StatusOK, s.receiverStatus())
}

func (s *Server) resetReceiver(ctx *gin.Context) {
	if s.rx == nil {
		fail(ctx, http.StatusNotFound, errors.New("no receiver attached"))
		return
	}
	s.rx.CountReset()
	ctx.Status(http.StatusNoContent)
}

func (s *Server) runStatus() RunStatus {
	if s.run == nil {
		return RunStatus{}
	}
	return RunStatus{
		Running:  s.run.Running(),
		Rate:     s.run.Rate(),
		RunCount: s.run.RunCount(),
	}
}

// runControl при отсутствии RunControl отвечает 404
func (s *Server) runControl(ctx *gin.Context) bool {
	if s.run == nil {
		fail(ctx, http.StatusNotFound, errors.New("no run control attached"))
		return false
	}
	return true
}

func (s *Server) getRun(ctx *gin.Context) {
	if !s.runControl(ctx) {
		return
	}
	ctx.JSON(http.StatusOK, s.runStatus())
}

func (s *Server) startRun(ctx *gin.Context) {
	if !s.runControl(ctx) {
		return
	}
	s.run.Start()
	ctx.JSON(http.StatusOK, s.runStatus())
}

func (s *Server) stopRun(ctx *gin.Context) {
	if !s.runControl(ctx) {
		return
	}
	s.run.Stop()
	ctx.JSON(http.StatusOK, s.runStatus())
}

func (s *Server) setRate(ctx *gin.Context) {
	if !s.runControl(ctx) {
		return
	}
	var req RateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	if err := s.run.SetRate(req.Hz); err != nil {
		fail(ctx, http.StatusBadRequest, err)
		return
	}
	ctx.JSON(http.StatusOK, s.runStatus())
}

func (s *Server) getStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, s.stats())
}

func (s *Server) stats() Stats {
	groups := s.sortedGroups()
	out := Stats{
		Groups:   make([]GroupStatus, 0, len(groups)),
		Receiver: s.receiverStatus(),
		Run:      s.runStatus(),
	}
	for _, g := range groups {
		out.Groups = append(out.Groups, groupStatus(g))
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamStats отправляет Stats по websocket каждые interval (по умолчанию 1s)
func (s *Server) streamStats(ctx *gin.Context) {
	interval := time.Second
	if v := ctx.Query("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < MinStreamInterval {
			fail(ctx, http.StatusBadRequest, fmt.Errorf("invalid interval %q, minimum %s", v, MinStreamInterval))
			return
		}
		interval = d
	}

	ws, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.log.Warn("stats stream upgrade: %v", err)
		return
	}
	defer ws.Close()

	// Читаем только ради close и ping от клиента
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ws.SetWriteDeadline(time.Now().Add(interval + time.Second))
		if err := ws.WriteJSON(s.stats()); err != nil {
			s.log.Debug("stats stream to %s: %v", ctx.Request.RemoteAddr, err)
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-s.done:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			return
		}
	}
}
