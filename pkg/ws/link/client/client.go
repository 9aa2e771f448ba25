package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LLIEPJIOK/ws-link/pkg/ws"
)

const pushBuffer = 64

type Config struct {
	Name        string // имя этой стороны (уходит в x-self-name)
	URL         string // адрес удалённого конца, прямой режим
	AccessToken string

	// TLS задаёт транспортный TLS для wss-адресов, см. TLSConfigFromEnv.
	TLS *tls.Config

	RequestTimeout time.Duration
	MaxPending     int

	Logger *slog.Logger
	Clock  clock.Clock
}

func DefaultConfig(name, wsURL string) Config {
	return Config{
		Name:           name,
		URL:            wsURL,
		RequestTimeout: ws.DefaultRequestTimeout,
		MaxPending:     ws.DefaultPendingCapacity,
		Logger:         slog.Default(),
		Clock:          clock.New(),
	}
}

// Push - кадр без echo: событие, присланное удалённой стороной по
// собственной инициативе.
type Push struct {
	Conn string
	Env  *ws.Envelope
}

// Client превращает поток кадров соединения в вызовы запрос-ответ.
// Ответы сопоставляются с ожидающими вызовами по echo, запросы уходят
// зарегистрированным обработчикам, остальные кадры отдаются через
// Pushes.
type Client struct {
	ws.Conn

	cfg     Config
	logger  *slog.Logger
	pending *ws.PendingTable
	pushes  chan Push
	sub     <-chan ws.Event

	// ctx отменяется с завершением разбора событий: работающие
	// обработчики запросов узнают из него о закрытии фасада.
	ctx    context.Context
	cancel context.CancelFunc

	hmu      sync.RWMutex
	handlers map[string]Handler
}

// New строит клиента прямого режима с одним соединением к cfg.URL.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	pool := ws.NewPool(ws.PoolConfig{
		AccessToken: cfg.AccessToken,
		TLS:         cfg.TLS,
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
	})

	fwd := ws.DefaultForwardConfig(cfg.Name, cfg.URL)
	fwd.Logger = cfg.Logger
	fwd.Clock = cfg.Clock

	if _, err := pool.Add(fwd); err != nil {
		return nil, fmt.Errorf("failed to add connection: %w", err)
	}

	return Wrap(pool, cfg), nil
}

// Wrap оборачивает готовый фасад: пул с несколькими соединениями или
// сервер обратного режима.
func Wrap(conn ws.Conn, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = ws.DefaultRequestTimeout
	}

	if cfg.MaxPending <= 0 {
		cfg.MaxPending = ws.DefaultPendingCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		Conn:     conn,
		cfg:      cfg,
		logger:   cfg.Logger,
		pending:  ws.NewPendingTable(cfg.MaxPending, cfg.Clock, cfg.Logger),
		pushes:   make(chan Push, pushBuffer),
		sub:      conn.Subscribe(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}

	go c.dispatch()

	return c
}

// Pushes отдаёт кадры, не являющиеся ответами. Канал закрывается после
// закрытия фасада.
func (c *Client) Pushes() <-chan Push {
	return c.pushes
}

// Call отправляет запрос операции api на соединение name и ждёт ответ.
// Пустое имя допустимо при единственном соединении.
func (c *Client) Call(ctx context.Context, name, api string, args any) (json.RawMessage, error) {
	req, err := ws.NewRequest(api, args)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	scope := name
	if scope == "" {
		if names := c.Conn.Names(); len(names) == 1 {
			scope = names[0]
		}
	}

	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	p, err := c.pending.Create(req.Echo, api, scope, timeout)
	if err != nil {
		return nil, err
	}

	data, err := req.Encode()
	if err != nil {
		c.pending.Cancel(req.Echo, scope, err)
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if err := c.Conn.Send(name, data); err != nil {
		c.pending.Cancel(req.Echo, scope, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	env, err := p.Await(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.pending.Cancel(req.Echo, scope, err)
		}

		return nil, err
	}

	if err := env.Err(); err != nil {
		return nil, err
	}

	return env.Data, nil
}

func (c *Client) CallTyped(ctx context.Context, name, api string, args, response any) error {
	data, err := c.Call(ctx, name, api, args)
	if err != nil {
		return err
	}

	if response == nil {
		return nil
	}

	return json.Unmarshal(data, response)
}

// dispatch разбирает поток событий фасада: ответы уходят в таблицу
// ожиданий, закрытие соединения снимает его ожидания, остальные кадры
// отдаются подписчику Pushes.
func (c *Client) dispatch() {
	defer close(c.pushes)
	defer c.cancel()

	for ev := range c.sub {
		switch e := ev.(type) {
		case ws.MessageEvent:
			c.handleFrame(e.Conn, e.Data)
		case ws.CloseEvent:
			c.pending.RejectScope(e.Conn, ws.ErrConnectionClosed)
		}
	}

	c.pending.RejectAll(ws.ErrConnectionClosed)
}

func (c *Client) handleFrame(conn string, data []byte) {
	env, err := ws.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("failed to decode frame", "conn", conn, "error", err)
		return
	}

	if env.IsRequest() {
		go c.serve(conn, env)
		return
	}

	if env.IsResponse() {
		if !c.pending.Resolve(env.Echo, conn, env) {
			c.logger.Warn("received response for unknown request", "conn", conn, "echo", env.Echo)
		}

		return
	}

	select {
	case c.pushes <- Push{Conn: conn, Env: env}:
	default:
		c.logger.Warn("push dropped: consumer is not keeping up", "conn", conn)
	}
}
