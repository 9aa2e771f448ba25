package ws_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LLIEPJIOK/ws-link/pkg/ws"
)

// echoPeer - сторона-заглушка: принимает рукопожатия, запоминает их
// заголовки и возвращает каждый кадр отправителю.
type echoPeer struct {
	ts  *httptest.Server
	url string

	mu      sync.Mutex
	headers []http.Header
}

func startEchoPeer(t *testing.T) *echoPeer {
	t.Helper()

	p := &echoPeer{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.headers = append(p.headers, r.Header.Clone())
		p.mu.Unlock()

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(p.ts.Close)

	p.url = "ws" + strings.TrimPrefix(p.ts.URL, "http")

	return p
}

func (p *echoPeer) lastHeaders(t *testing.T) http.Header {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.headers) == 0 {
		t.Fatal("no handshakes captured")
	}

	return p.headers[len(p.headers)-1]
}

// deadAddr резервирует и освобождает порт: подключение к нему быстро
// отклоняется.
func deadAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}

	addr := ln.Addr().String()
	_ = ln.Close()

	return "ws://" + addr + "/"
}

// waitEvent читает поток, пропуская события других типов, пока не
// встретит событие типа T.
func waitEvent[T ws.Event](t *testing.T, sub <-chan ws.Event) T {
	t.Helper()

	timeout := time.After(3 * time.Second)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				t.Fatal("event stream closed")
			}

			if e, match := ev.(T); match {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func expectQuiet(t *testing.T, sub <-chan ws.Event, d time.Duration) {
	t.Helper()

	select {
	case ev, ok := <-sub:
		if ok {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(d):
	}
}
