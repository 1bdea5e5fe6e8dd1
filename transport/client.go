package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client соединение со сборщиком
type Client struct {
	config *ClientConfig
	conn   net.Conn

	// Мьютекс для защиты записи в TCP соединение
	writeMu sync.Mutex

	closed   bool
	closedMu sync.RWMutex
}

// ClientConfig конфигурация клиента
type ClientConfig struct {
	ServerAddr  string        // Адрес сборщика
	ServerPort  int           // Порт сборщика
	DialTimeout time.Duration // Таймаут подключения (0 = 10s)
	Hello       *Hello        // Отправляется сразу после подключения
}

// Dial подключается к сборщику и отправляет Hello
func Dial(ctx context.Context, config *ClientConfig) (*Client, error) {
	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// 1. Устанавливаем TCP соединение
	addr := net.JoinHostPort(config.ServerAddr, strconv.Itoa(config.ServerPort))
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial TCP: %w", err)
	}

	// Включаем TCP keep-alive для предотвращения обрыва соединения
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	client := &Client{
		config: config,
		conn:   conn,
	}

	// 2. Регистрируем сессию
	if config.Hello != nil {
		msg, err := NewHelloMessage(config.Hello)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := client.Send(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("hello: %w", err)
		}
	}

	return client, nil
}

// Send отправляет сообщение. Безопасен для параллельного вызова.
func (c *Client) Send(m Message) error {
	c.closedMu.RLock()
	if c.closed {
		c.closedMu.RUnlock()
		return io.ErrClosedPipe
	}
	c.closedMu.RUnlock()

	// КРИТИЧНО: без блокировки сообщения из разных горутин перемешиваются
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return WriteMessage(c.conn, m)
}

// SendFrame отправляет сырой фрейм
func (c *Client) SendFrame(payload []byte) error {
	return c.Send(Message{Type: MsgFrame, Body: payload})
}

// RemoteAddr возвращает адрес сборщика
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close закрывает соединение
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	return c.conn.Close()
}
