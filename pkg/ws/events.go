package ws

import (
	"log/slog"
	"sync"
	"time"
)

// Event - событие жизненного цикла одного именованного соединения.
// Конкретный тип события определяет фиксированный набор полей.
type Event interface {
	ConnName() string
}

type OpenEvent struct {
	Conn string
}

type CloseEvent struct {
	Conn   string
	Code   int
	Reason string
}

type MessageEvent struct {
	Conn string
	Data []byte
}

type ErrorEvent struct {
	Conn string
	Err  error
}

type ReconnectEvent struct {
	Conn    string
	Attempt int
	Delay   time.Duration
}

func (e OpenEvent) ConnName() string      { return e.Conn }
func (e CloseEvent) ConnName() string     { return e.Conn }
func (e MessageEvent) ConnName() string   { return e.Conn }
func (e ErrorEvent) ConnName() string     { return e.Conn }
func (e ReconnectEvent) ConnName() string { return e.Conn }

const eventBuffer = 32

type notifier struct {
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[<-chan Event]chan Event
	closed bool
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{
		logger: logger,
		subs:   make(map[<-chan Event]chan Event),
	}
}

func (n *notifier) Subscribe() <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	if n.closed {
		close(ch)
		return ch
	}

	n.subs[ch] = ch

	return ch
}

func (n *notifier) Unsubscribe(ch <-chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(sub)
	}
}

// publish рассылает событие всем подписчикам не блокируясь: медленный
// подписчик теряет событие, колбэки сокета никогда не ждут.
func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	for _, sub := range n.subs {
		select {
		case sub <- ev:
		default:
			n.logger.Warn("event dropped: subscriber is not keeping up", "conn", ev.ConnName())
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for _, sub := range n.subs {
		close(sub)
	}

	n.subs = make(map[<-chan Event]chan Event)
}
