package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// peer - один принятый входящий пир: сокет, заявленный origin и
// остановка его heartbeat. Живой сокет на имя ровно один.
type peer struct {
	name   string
	origin string
	sock   *socket
	stopHB func()
}

// Server принимает входящие соединения, проверяет рукопожатие и ведёт
// реестр пиров по имени. Восстановление обратного режима инициирует
// пир: сервер сам не переподключается.
type Server struct {
	cfg    ReverseConfig
	logger *slog.Logger
	clk    clock.Clock

	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[string]*peer
	origins  map[string]string
	attempts map[string]int
	listener net.Listener
	httpSrv  *http.Server
	closed   bool

	events *notifier
}

func NewServer(cfg ReverseConfig) (*Server, error) {
	cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		clk:    cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers:    make(map[string]*peer),
		origins:  make(map[string]string),
		attempts: make(map[string]int),
		events:   newNotifier(cfg.Logger),
	}, nil
}

// Connect поднимает слушатель. Повторные вызовы на работающем сервере
// ничего не делают, ошибка привязки адреса возвращается вызывающему.
// Имена игнорируются: принимает пиров сервер целиком.
func (s *Server) Connect(ctx context.Context, _ ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}

	if s.listener != nil {
		s.mu.Unlock()
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)

	srv := &http.Server{Handler: mux}

	s.listener = ln
	s.httpSrv = srv

	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "path", s.cfg.Path)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	return nil
}

// Addr возвращает фактический адрес слушателя, пустую строку до
// привязки.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	s.accept(conn, r.Header)
}

// admit решает судьбу рукопожатия по заголовкам. Не-строгая политика с
// настроенным токеном всё равно сверяет подпись; пир без имени не
// принимается.
func (s *Server) admit(name string, h http.Header) error {
	if err := ValidateHeaders(h, s.cfg.Policy); err != nil {
		return err
	}

	strict := s.cfg.Policy != nil && s.cfg.Policy.Strict
	if !strict && s.cfg.AccessToken != "" {
		if !MatchAuthorization(s.cfg.AccessToken, h.Get(HeaderAuthorization)) {
			return ErrUnauthorized
		}
	}

	if name == "" {
		return ErrEmptyIdentity
	}

	return nil
}

func (s *Server) reject(conn *websocket.Conn, name, origin string, err error) {
	s.logger.Warn("peer rejected",
		"remote_addr", conn.RemoteAddr(),
		"name", name,
		"origin", origin,
		"reason", err,
	)

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))
	_ = conn.Close()
}

func (s *Server) accept(conn *websocket.Conn, h http.Header) {
	name := strings.TrimSpace(h.Get(HeaderSelfName))
	origin := strings.TrimSpace(h.Get(HeaderClientOrigin))

	if err := s.admit(name, h); err != nil {
		s.reject(conn, name, origin, err)
		return
	}

	sock := newSocket(name, conn, s.logger)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		_ = sock.Close(websocket.CloseGoingAway, "server closing")

		return
	}

	// Origin сверяется под той же блокировкой, что и регистрация: из
	// одновременных рукопожатий с общим origin проходит только одно.
	if s.cfg.RejectDuplicateOrigin && origin != "" {
		if bound, ok := s.origins[origin]; ok && bound != name {
			s.mu.Unlock()
			s.reject(conn, name, origin,
				fmt.Errorf("%w: origin %q belongs to %q", ErrDuplicateOrigin, origin, bound))

			return
		}
	}

	old := s.peers[name]

	p := &peer{name: name, origin: origin, sock: sock}
	sock.onMessage = func(data []byte) {
		s.events.publish(MessageEvent{Conn: name, Data: data})
	}
	sock.onClose = func(code int, reason string) {
		s.handlePeerClose(p, code, reason)
	}
	p.stopHB = startHeartbeat(sock, s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout, s.clk, s.logger)

	s.peers[name] = p

	if old != nil && old.origin != "" {
		delete(s.origins, old.origin)
	}

	if origin != "" {
		s.origins[origin] = name
	}

	s.attempts[name]++
	attempt := s.attempts[name]

	s.mu.Unlock()

	// Старый сокет закрывается после регистрации нового: его колбэк
	// закрытия увидит замену и реестр не тронет.
	if old != nil {
		old.stopHB()
		_ = old.sock.Close(websocket.CloseGoingAway, "replaced by new connection")
		s.events.publish(CloseEvent{
			Conn:   name,
			Code:   websocket.CloseGoingAway,
			Reason: "replaced by new connection",
		})
	}

	s.logger.Info("peer connected",
		"remote_addr", conn.RemoteAddr(),
		"name", name,
		"origin", origin,
		"attempt", attempt,
	)

	if attempt > 1 {
		s.events.publish(ReconnectEvent{Conn: name, Attempt: attempt, Delay: 0})
	}

	s.events.publish(OpenEvent{Conn: name})
	sock.run()
}

func (s *Server) handlePeerClose(p *peer, code int, reason string) {
	s.mu.Lock()

	if s.peers[p.name] != p {
		s.mu.Unlock()
		return
	}

	delete(s.peers, p.name)

	if p.origin != "" && s.origins[p.origin] == p.name {
		delete(s.origins, p.origin)
	}

	s.mu.Unlock()

	p.stopHB()

	s.logger.Info("peer disconnected", "name", p.name, "code", code, "reason", reason)
	s.events.publish(CloseEvent{Conn: p.name, Code: code, Reason: reason})
}

// get находит пира по имени. Пустое имя подразумевает единственного
// подключённого пира.
func (s *Server) get(name string) (*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name != "" {
		p, ok := s.peers[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownName, name)
		}

		return p, nil
	}

	switch len(s.peers) {
	case 0:
		return nil, fmt.Errorf("%w: no connected peers", ErrUnknownName)
	case 1:
		for _, p := range s.peers {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: %d connected peers", ErrAmbiguousName, len(s.peers))
}

func (s *Server) Send(name string, payload []byte) error {
	p, err := s.get(name)
	if err != nil {
		return err
	}

	return p.sock.Send(payload)
}

func (s *Server) IsOpen(name string) bool {
	p, err := s.get(name)
	if err != nil {
		return false
	}

	return p.sock.IsOpen()
}

func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.peers))
	for name := range s.peers {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// WaitOpen ждёт открытия пира с данным именем, с пустым именем -
// любого пира.
func (s *Server) WaitOpen(ctx context.Context, name string) error {
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	s.mu.Lock()

	open := false

	if name == "" {
		open = len(s.peers) > 0
	} else if p, ok := s.peers[name]; ok {
		open = p.sock.IsOpen()
	}

	s.mu.Unlock()

	if open {
		return nil
	}

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return ErrConnectionClosed
			}

			if _, isOpen := ev.(OpenEvent); isOpen && (name == "" || ev.ConnName() == name) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close закрывает перечисленных пиров. Без имён закрывает всех,
// останавливает слушатель и завершает сервер.
func (s *Server) Close(code int, reason string, names ...string) error {
	all := len(names) == 0

	s.mu.Lock()

	var targets []*peer

	if all {
		targets = make([]*peer, 0, len(s.peers))
		for _, p := range s.peers {
			targets = append(targets, p)
		}
	} else {
		targets = make([]*peer, 0, len(names))

		for _, name := range names {
			p, ok := s.peers[name]
			if !ok {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrUnknownName, name)
			}

			targets = append(targets, p)
		}
	}

	s.mu.Unlock()

	var errs error

	for _, p := range targets {
		if err := p.sock.Close(code, reason); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %q: %w", p.name, err))
		}
	}

	if all {
		s.mu.Lock()
		s.closed = true
		srv := s.httpSrv
		s.listener = nil
		s.httpSrv = nil
		s.mu.Unlock()

		if srv != nil {
			if err := srv.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}

			s.logger.Info("listener stopped")
		}

		s.events.close()
	}

	return errs
}

func (s *Server) Subscribe() <-chan Event {
	return s.events.Subscribe()
}

func (s *Server) Unsubscribe(ch <-chan Event) {
	s.events.Unsubscribe(ch)
}
