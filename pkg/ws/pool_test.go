package ws_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LLIEPJIOK/ws-link/pkg/ws"
)

func TestPool_AddConnectBroadcast(t *testing.T) {
	first := startEchoPeer(t)
	second := startEchoPeer(t)

	p := ws.NewPool(ws.DefaultPoolConfig())

	if _, err := p.Add(ws.ForwardConfig{Name: "alpha", URL: first.url}); err != nil {
		t.Fatalf("failed to add alpha: %v", err)
	}

	if _, err := p.Add(ws.ForwardConfig{Name: "beta", URL: second.url}); err != nil {
		t.Fatalf("failed to add beta: %v", err)
	}

	if _, err := p.Add(ws.ForwardConfig{Name: "alpha", URL: first.url}); !errors.Is(err, ws.ErrDuplicateName) {
		t.Errorf("expected duplicate name error, got: %v", err)
	}

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect pool: %v", err)
	}

	if !p.IsOpen("alpha") || !p.IsOpen("beta") {
		t.Error("expected both connections to be open")
	}

	got := p.Names()
	want := []string{"alpha", "beta"}

	if len(got) != len(want) {
		t.Fatalf("expected names %v, got %v", want, got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected names %v, got %v", want, got)
		}
	}

	if err := p.Close(websocket.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}
}

func TestPool_SendImpliedName(t *testing.T) {
	first := startEchoPeer(t)
	second := startEchoPeer(t)

	p := ws.NewPool(ws.DefaultPoolConfig())

	if _, err := p.Add(ws.ForwardConfig{Name: "alpha", URL: first.url}); err != nil {
		t.Fatalf("failed to add alpha: %v", err)
	}

	if _, err := p.Add(ws.ForwardConfig{Name: "beta", URL: second.url}); err != nil {
		t.Fatalf("failed to add beta: %v", err)
	}

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect pool: %v", err)
	}

	// Пустое имя при двух записях неоднозначно.
	if err := p.Send("", []byte("x")); !errors.Is(err, ws.ErrAmbiguousName) {
		t.Errorf("expected ambiguous name error, got: %v", err)
	}

	if err := p.Send("gamma", []byte("x")); !errors.Is(err, ws.ErrUnknownName) {
		t.Errorf("expected unknown name error, got: %v", err)
	}

	if err := p.Remove("beta"); err != nil {
		t.Fatalf("failed to remove beta: %v", err)
	}

	sub := p.Subscribe()

	// После удаления второй записи пустое имя означает оставшуюся.
	if err := p.Send("", []byte("hello")); err != nil {
		t.Fatalf("failed to send with implied name: %v", err)
	}

	msg := waitEvent[ws.MessageEvent](t, sub)

	if msg.Conn != "alpha" {
		t.Errorf("expected echo from 'alpha', got %q", msg.Conn)
	}

	if string(msg.Data) != "hello" {
		t.Errorf("expected echoed 'hello', got %q", msg.Data)
	}

	if err := p.Close(websocket.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}
}

func TestPool_RemoveDetaches(t *testing.T) {
	peer := startEchoPeer(t)

	p := ws.NewPool(ws.DefaultPoolConfig())

	if _, err := p.Add(ws.ForwardConfig{Name: "alpha", URL: peer.url}); err != nil {
		t.Fatalf("failed to add alpha: %v", err)
	}

	sub := p.Subscribe()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect pool: %v", err)
	}

	waitEvent[ws.OpenEvent](t, sub)

	if err := p.Remove("alpha"); err != nil {
		t.Fatalf("failed to remove alpha: %v", err)
	}

	// Закрытие удалённой записи в общий поток не попадает.
	expectQuiet(t, sub, 150*time.Millisecond)

	if got := p.Names(); len(got) != 0 {
		t.Errorf("expected empty pool, got %v", got)
	}

	if err := p.Remove("alpha"); !errors.Is(err, ws.ErrUnknownName) {
		t.Errorf("expected unknown name error, got: %v", err)
	}
}

func TestPool_CloseAllTerminal(t *testing.T) {
	first := startEchoPeer(t)
	second := startEchoPeer(t)

	p := ws.NewPool(ws.DefaultPoolConfig())

	if _, err := p.Add(ws.ForwardConfig{Name: "alpha", URL: first.url}); err != nil {
		t.Fatalf("failed to add alpha: %v", err)
	}

	if _, err := p.Add(ws.ForwardConfig{Name: "beta", URL: second.url}); err != nil {
		t.Fatalf("failed to add beta: %v", err)
	}

	sub := p.Subscribe()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect pool: %v", err)
	}

	waitEvent[ws.OpenEvent](t, sub)
	waitEvent[ws.OpenEvent](t, sub)

	if err := p.Close(websocket.CloseNormalClosure, "shutting down"); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}

	// Оба закрытия попадают в поток, затем поток завершается.
	closes := 0

	for ev := range sub {
		if _, isClose := ev.(ws.CloseEvent); isClose {
			closes++
		}
	}

	if closes != 2 {
		t.Errorf("expected 2 close events, got %d", closes)
	}

	if _, err := p.Add(ws.ForwardConfig{Name: "gamma", URL: first.url}); !errors.Is(err, ws.ErrConnectionClosed) {
		t.Errorf("expected closed pool to reject add, got: %v", err)
	}
}

func TestPool_HeaderMerge(t *testing.T) {
	first := startEchoPeer(t)
	second := startEchoPeer(t)

	cfg := ws.DefaultPoolConfig()
	cfg.AccessToken = "pool-token"
	cfg.Headers = http.Header{
		"X-Env":    []string{"prod"},
		"X-Region": []string{"eu"},
	}

	p := ws.NewPool(cfg)

	if _, err := p.Add(ws.ForwardConfig{
		Name:    "alpha",
		URL:     first.url,
		Headers: http.Header{"X-Region": []string{"us"}},
	}); err != nil {
		t.Fatalf("failed to add alpha: %v", err)
	}

	if _, err := p.Add(ws.ForwardConfig{
		Name:        "beta",
		URL:         second.url,
		AccessToken: "beta-token",
	}); err != nil {
		t.Fatalf("failed to add beta: %v", err)
	}

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect pool: %v", err)
	}

	alpha := first.lastHeaders(t)

	// Заголовок записи перекрывает одноимённый заголовок пула.
	if got := alpha.Get("X-Region"); got != "us" {
		t.Errorf("expected entry header to win, got region %q", got)
	}

	if got := alpha.Get("X-Env"); got != "prod" {
		t.Errorf("expected pool header to be inherited, got env %q", got)
	}

	if got := alpha.Get(ws.HeaderAuthorization); got != "Bearer pool-token" {
		t.Errorf("expected inherited pool token, got %q", got)
	}

	if got := alpha.Get(ws.HeaderSelfName); got != "alpha" {
		t.Errorf("expected self name 'alpha', got %q", got)
	}

	beta := second.lastHeaders(t)

	if got := beta.Get(ws.HeaderAuthorization); got != "Bearer beta-token" {
		t.Errorf("expected entry token to win, got %q", got)
	}

	if err := p.Close(websocket.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}
}

func TestPool_WaitOpenUnknownName(t *testing.T) {
	p := ws.NewPool(ws.DefaultPoolConfig())

	if err := p.WaitOpen(context.Background(), "ghost"); !errors.Is(err, ws.ErrUnknownName) {
		t.Errorf("expected unknown name error, got: %v", err)
	}
}
