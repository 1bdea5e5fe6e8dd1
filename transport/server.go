package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"tdm-core/logger"
)

// Handler получает сообщения от подключенных отправителей.
// Вызывается из горутины соединения, для одного соединения последовательно.
type Handler interface {
	HandleHello(remote net.Addr, hello *Hello)
	HandleFrame(remote net.Addr, frame []byte)
}

// Server принимает uplink соединения сборщика
type Server struct {
	listener net.Listener
	handler  Handler
	log      *logger.Logger

	conns   map[string]net.Conn
	connsMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	closeCh   chan struct{}
	closeOnce sync.Once
}

// ServerConfig конфигурация сервера
type ServerConfig struct {
	ListenAddr string         // Адрес для прослушивания (например, "0.0.0.0:9100")
	Handler    Handler        // Получатель сообщений
	Logger     *logger.Logger // nil = глобальный
}

// Listen создает сервер
func Listen(cfg *ServerConfig) (*Server, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("listen: handler is required")
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen TCP: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().Named("collector")
	}

	return &Server{
		listener: listener,
		handler:  cfg.Handler,
		log:      log,
		conns:    make(map[string]net.Conn),
		closeCh:  make(chan struct{}),
	}, nil
}

// Addr возвращает фактический адрес прослушивания
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve принимает соединения до Close
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
				return fmt.Errorf("accept connection: %w", err)
			}
		}

		// Регистрация под connsMu, чтобы wg.Add не пересекся с Close
		key := conn.RemoteAddr().String()
		s.connsMu.Lock()
		if s.closed {
			s.connsMu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[key] = conn
		s.wg.Add(1)
		s.connsMu.Unlock()

		go s.handleConnection(key, conn)
	}
}

// handleConnection читает сообщения одного отправителя
func (s *Server) handleConnection(key string, conn net.Conn) {
	defer s.wg.Done()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, key)
		s.connsMu.Unlock()
		conn.Close()
	}()

	s.log.Debug("connection from %s", key)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection %s closed", key)
			} else {
				s.log.Warn("read from %s: %v", key, err)
			}
			return
		}

		switch msg.Type {
		case MsgHello:
			hello, err := DecodeHello(msg)
			if err != nil {
				s.log.Warn("bad hello from %s: %v", key, err)
				return
			}
			s.handler.HandleHello(conn.RemoteAddr(), hello)
		case MsgFrame:
			s.handler.HandleFrame(conn.RemoteAddr(), msg.Body)
		}
	}
}

// ConnectionCount возвращает количество активных соединений
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Close закрывает сервер и все соединения, ждет их горутины
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.listener.Close()

		s.connsMu.Lock()
		s.closed = true
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
	})
	return err
}
