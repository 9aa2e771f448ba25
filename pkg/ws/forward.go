package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// State - фаза жизненного цикла исходящего соединения.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
)

// inflight - одна общая попытка подключения: параллельные вызовы
// Connect ждут её завершения вместо запуска собственных.
type inflight struct {
	done chan struct{}
	err  error
}

// Forward - исходящее соединение с именованным удалённым концом.
// Переподключается после неожиданного закрытия с экспоненциальной
// задержкой, следит за живостью через heartbeat.
type Forward struct {
	cfg     ForwardConfig
	headers http.Header
	logger  *slog.Logger
	clk     clock.Clock

	mu       sync.Mutex
	state    State
	sock     *socket
	stopHB   func()
	bo       *backoff.Backoff
	retry    *clock.Timer
	inflight *inflight

	events    *notifier
	ownEvents bool
}

func NewForward(cfg ForwardConfig) (*Forward, error) {
	cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	headers, err := BuildHeaders(cfg.Name, cfg.AccessToken, cfg.Headers)
	if err != nil {
		return nil, err
	}

	f := newForward(cfg, headers, newNotifier(cfg.Logger))
	f.ownEvents = true

	return f, nil
}

func newForward(cfg ForwardConfig, headers http.Header, events *notifier) *Forward {
	return &Forward{
		cfg:     cfg,
		headers: headers,
		logger:  cfg.Logger,
		clk:     cfg.Clock,
		events:  events,
		bo: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
		},
	}
}

func (f *Forward) Name() string {
	return f.cfg.Name
}

func (f *Forward) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *Forward) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state == StateOpen
}

func (f *Forward) Subscribe() <-chan Event {
	f.mu.Lock()
	n := f.events
	f.mu.Unlock()

	return n.Subscribe()
}

func (f *Forward) Unsubscribe(ch <-chan Event) {
	f.mu.Lock()
	n := f.events
	f.mu.Unlock()

	n.Unsubscribe(ch)
}

func (f *Forward) notify(ev Event) {
	f.mu.Lock()
	n := f.events
	f.mu.Unlock()

	n.publish(ev)
}

// detach отцепляет соединение от чужого потока событий: дальнейшие
// уведомления уходят в свежий, никем не слушаемый notifier.
func (f *Forward) detach() {
	f.mu.Lock()
	f.events = newNotifier(f.logger)
	f.mu.Unlock()
}

// Connect открывает соединение, если оно ещё не открыто. Параллельные
// вызовы делят одну попытку. После Close всегда возвращает
// ErrConnectionClosed.
func (f *Forward) Connect(ctx context.Context) error {
	f.mu.Lock()

	switch f.state {
	case StateClosing, StateClosed:
		f.mu.Unlock()
		return ErrConnectionClosed
	case StateOpen:
		f.mu.Unlock()
		return nil
	}

	if f.inflight == nil {
		if f.retry != nil {
			f.retry.Stop()
			f.retry = nil
		}

		f.inflight = &inflight{done: make(chan struct{})}
		f.state = StateConnecting

		go f.attempt(f.inflight)
	}

	fl := f.inflight
	f.mu.Unlock()

	select {
	case <-fl.done:
		return fl.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forward) attempt(fl *inflight) {
	err := f.dial()

	f.mu.Lock()

	if f.inflight == fl {
		f.inflight = nil
	}

	if err != nil && f.state == StateConnecting {
		if f.cfg.DisableReconnect {
			f.state = StateIdle
		} else {
			f.state = StateReconnecting
		}
	}

	f.mu.Unlock()

	fl.err = err
	close(fl.done)

	if err == nil || errors.Is(err, ErrConnectionClosed) {
		return
	}

	f.logger.Warn("connect failed", "name", f.cfg.Name, "error", err)
	f.notify(ErrorEvent{Conn: f.cfg.Name, Err: err})

	if !f.cfg.DisableReconnect {
		f.scheduleRetry()
	}
}

func (f *Forward) dial() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: f.cfg.ConnectTimeout,
		TLSClientConfig:  f.cfg.TLS,
	}

	f.logger.Info("connecting", "name", f.cfg.Name, "url", f.cfg.URL)

	conn, _, err := dialer.Dial(f.cfg.URL, f.headers)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return fmt.Errorf("%w after %s: %v", ErrConnectTimeout, f.cfg.ConnectTimeout, err)
		}

		return fmt.Errorf("dial failed: %w", err)
	}

	sock := newSocket(f.cfg.Name, conn, f.logger)

	f.mu.Lock()

	if f.state == StateClosing || f.state == StateClosed {
		f.mu.Unlock()
		_ = sock.Close(websocket.CloseNormalClosure, "client closing")

		return ErrConnectionClosed
	}

	f.sock = sock
	f.state = StateOpen
	sock.onMessage = f.handleMessage
	sock.onClose = func(code int, reason string) {
		f.handleClose(sock, code, reason)
	}
	f.stopHB = startHeartbeat(sock, f.cfg.HeartbeatInterval, f.cfg.HeartbeatTimeout, f.clk, f.logger)
	f.bo.Reset()

	f.mu.Unlock()

	f.logger.Info("connected", "name", f.cfg.Name, "url", f.cfg.URL)

	// Событие открытия уходит раньше запуска читателя: для одного
	// сокета open всегда предшествует message и close.
	f.notify(OpenEvent{Conn: f.cfg.Name})
	sock.run()

	return nil
}

func (f *Forward) handleMessage(data []byte) {
	f.notify(MessageEvent{Conn: f.cfg.Name, Data: data})
}

func (f *Forward) handleClose(sock *socket, code int, reason string) {
	f.mu.Lock()

	if f.sock != sock {
		f.mu.Unlock()
		return
	}

	f.sock = nil

	if f.stopHB != nil {
		f.stopHB()
		f.stopHB = nil
	}

	intentional := f.state == StateClosing || f.state == StateClosed
	if !intentional {
		if f.cfg.DisableReconnect {
			f.state = StateIdle
		} else {
			f.state = StateReconnecting
		}
	}

	f.mu.Unlock()

	f.logger.Info("connection closed", "name", f.cfg.Name, "code", code, "reason", reason)
	f.notify(CloseEvent{Conn: f.cfg.Name, Code: code, Reason: reason})

	if !intentional && !f.cfg.DisableReconnect {
		f.scheduleRetry()
	}
}

// scheduleRetry взводит таймер следующей попытки. Задержка удваивается
// с каждым подряд идущим отказом до ReconnectMax и сбрасывается при
// успешном открытии.
func (f *Forward) scheduleRetry() {
	f.mu.Lock()

	if f.state == StateClosing || f.state == StateClosed {
		f.mu.Unlock()
		return
	}

	f.state = StateReconnecting

	d := f.bo.Duration()
	n := int(f.bo.Attempt())

	f.retry = f.clk.AfterFunc(d, f.retryFire)

	f.mu.Unlock()

	f.logger.Info("reconnect scheduled", "name", f.cfg.Name, "attempt", n, "delay", d)
	f.notify(ReconnectEvent{Conn: f.cfg.Name, Attempt: n, Delay: d})
}

func (f *Forward) retryFire() {
	f.mu.Lock()

	if f.state != StateReconnecting || f.inflight != nil {
		f.mu.Unlock()
		return
	}

	f.retry = nil
	f.inflight = &inflight{done: make(chan struct{})}
	f.state = StateConnecting

	go f.attempt(f.inflight)

	f.mu.Unlock()
}

// WaitOpen подключается и ждёт открытия. При включённом переподключении
// ожидание переживает неудачные попытки до успеха или отмены контекста.
func (f *Forward) WaitOpen(ctx context.Context) error {
	if f.IsOpen() {
		return nil
	}

	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	err := f.Connect(ctx)

	switch {
	case err == nil:
		return nil
	case f.cfg.DisableReconnect,
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return ErrConnectionClosed
			}

			if _, isOpen := ev.(OpenEvent); isOpen && ev.ConnName() == f.cfg.Name {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send отправляет текстовый кадр. Вне состояния Open немедленно
// возвращает ErrNotOpen.
func (f *Forward) Send(payload []byte) error {
	f.mu.Lock()
	sock := f.sock
	open := f.state == StateOpen
	f.mu.Unlock()

	if !open || sock == nil {
		return ErrNotOpen
	}

	return sock.Send(payload)
}

// Close помечает соединение закрывающимся, снимает таймер
// переподключения и heartbeat, закрывает сокет и дожидается выхода
// читателя. Закрытое соединение заново не открывается.
func (f *Forward) Close(code int, reason string) error {
	f.mu.Lock()

	if f.state == StateClosing || f.state == StateClosed {
		f.mu.Unlock()
		return nil
	}

	f.state = StateClosing

	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}

	if f.stopHB != nil {
		f.stopHB()
		f.stopHB = nil
	}

	sock := f.sock

	f.mu.Unlock()

	if sock != nil {
		_ = sock.Close(code, reason)
		<-sock.Done()
	}

	f.mu.Lock()
	f.state = StateClosed
	f.mu.Unlock()

	if f.ownEvents {
		f.events.close()
	}

	return nil
}
