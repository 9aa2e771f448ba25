package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const controlWait = time.Second

// socket оборачивает одно websocket-соединение: сериализует запись,
// читает входящие кадры и сообщает о закрытии ровно один раз.
// Колбэки onMessage и onClose выставляются до запуска run.
type socket struct {
	name   string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	onMessage func(data []byte)
	onClose   func(code int, reason string)

	done     chan struct{}
	closed   bool
	closedMu sync.Mutex
}

func newSocket(name string, conn *websocket.Conn, logger *slog.Logger) *socket {
	return &socket{
		name:   name,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *socket) run() {
	go s.readLoop()
}

func (s *socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				s.logger.Error("read error", "name", s.name, "error", err)
			}

			code, reason := closeStatus(err)
			s.finish(code, reason)

			return
		}

		if s.onMessage != nil {
			s.onMessage(data)
		}
	}
}

// finish выполняет завершение один раз: закрывает соединение, сигналит
// done и зовёт onClose. Повторные вызовы игнорируются.
func (s *socket) finish(code int, reason string) {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return
	}
	s.closed = true
	s.closedMu.Unlock()

	_ = s.conn.Close()
	close(s.done)

	if s.onClose != nil {
		s.onClose(code, reason)
	}
}

func (s *socket) Send(data []byte) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

func (s *socket) Ping() error {
	err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait))
	if err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	return nil
}

func (s *socket) SetPongHandler(h func()) {
	s.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

// Close отправляет кадр закрытия с заданным кодом и завершает соединение.
func (s *socket) Close(code int, reason string) error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closedMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))

	s.finish(code, reason)

	return nil
}

// Terminate рвёт соединение без прощального кадра.
func (s *socket) Terminate() {
	s.finish(websocket.CloseAbnormalClosure, "connection terminated")
}

func (s *socket) IsOpen() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()

	return !s.closed
}

func (s *socket) Done() <-chan struct{} {
	return s.done
}

func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}

	return websocket.CloseAbnormalClosure, err.Error()
}
