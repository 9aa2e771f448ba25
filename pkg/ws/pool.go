package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// Pool - набор исходящих соединений, адресуемых по имени. События всех
// записей сливаются в общий поток с пометкой именем источника.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Forward
	closed  bool

	events *notifier
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make(map[string]*Forward),
		events:  newNotifier(cfg.Logger),
	}
}

// mergeConfig добивает незаданные поля записи значениями пула.
// Заголовки записи перекрывают одноимённые заголовки пула.
func (p *Pool) mergeConfig(cfg ForwardConfig) ForwardConfig {
	if cfg.AccessToken == "" {
		cfg.AccessToken = p.cfg.AccessToken
	}

	if len(p.cfg.Headers) > 0 {
		merged := http.Header{}

		for k, vs := range p.cfg.Headers {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}

		for k, vs := range cfg.Headers {
			merged.Del(k)

			for _, v := range vs {
				merged.Add(k, v)
			}
		}

		cfg.Headers = merged
	}

	if cfg.TLS == nil {
		cfg.TLS = p.cfg.TLS
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = p.cfg.ConnectTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = p.cfg.HeartbeatInterval
	}

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = p.cfg.HeartbeatTimeout
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = p.cfg.ReconnectMin
	}

	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = p.cfg.ReconnectMax
	}

	cfg.DisableReconnect = cfg.DisableReconnect || p.cfg.DisableReconnect

	if cfg.Logger == nil {
		cfg.Logger = p.cfg.Logger
	}

	if cfg.Clock == nil {
		cfg.Clock = p.cfg.Clock
	}

	return cfg
}

// Add создаёт соединение по конфигурации, слитой со значениями пула.
// Имя в пуле должно быть уникальным.
func (p *Pool) Add(cfg ForwardConfig) (*Forward, error) {
	cfg = p.mergeConfig(cfg)
	cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("add %q: %w", cfg.Name, err)
	}

	headers, err := BuildHeaders(cfg.Name, cfg.AccessToken, cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("add %q: %w", cfg.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrConnectionClosed
	}

	if _, ok := p.entries[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}

	f := newForward(cfg, headers, p.events)
	p.entries[cfg.Name] = f

	p.logger.Info("connection added", "name", cfg.Name, "url", cfg.URL)

	return f, nil
}

// Remove закрывает соединение и удаляет его из пула. События закрытия
// в общий поток уже не попадают.
func (p *Pool) Remove(name string) error {
	p.mu.Lock()

	f, ok := p.entries[name]
	if ok {
		delete(p.entries, name)
	}

	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownName, name)
	}

	f.detach()
	err := f.Close(websocket.CloseNormalClosure, "removed from pool")

	p.logger.Info("connection removed", "name", name)

	return err
}

// get находит запись по имени. Пустое имя подразумевает единственную
// запись пула.
func (p *Pool) get(name string) (*Forward, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name != "" {
		f, ok := p.entries[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownName, name)
		}

		return f, nil
	}

	switch len(p.entries) {
	case 0:
		return nil, fmt.Errorf("%w: pool is empty", ErrUnknownName)
	case 1:
		for _, f := range p.entries {
			return f, nil
		}
	}

	return nil, fmt.Errorf("%w: %d connections in pool", ErrAmbiguousName, len(p.entries))
}

// pick выбирает адресатов операции: без имён - все записи пула.
func (p *Pool) pick(names []string) ([]*Forward, error) {
	if len(names) == 0 {
		p.mu.Lock()
		defer p.mu.Unlock()

		targets := make([]*Forward, 0, len(p.entries))
		for _, f := range p.entries {
			targets = append(targets, f)
		}

		return targets, nil
	}

	targets := make([]*Forward, 0, len(names))

	for _, name := range names {
		f, err := p.get(name)
		if err != nil {
			return nil, err
		}

		targets = append(targets, f)
	}

	return targets, nil
}

// Connect открывает перечисленные соединения, без имён - все,
// параллельно. Ошибки отдельных записей собираются в одну.
func (p *Pool) Connect(ctx context.Context, names ...string) error {
	targets, err := p.pick(names)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for _, f := range targets {
		f := f

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := f.Connect(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("connect %q: %w", f.Name(), err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return errs
}

// Close закрывает перечисленные соединения. Без имён закрывает все и
// завершает пул: дальнейшие Add невозможны, поток событий закрывается.
func (p *Pool) Close(code int, reason string, names ...string) error {
	all := len(names) == 0

	targets, err := p.pick(names)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for _, f := range targets {
		f := f

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := f.Close(code, reason); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close %q: %w", f.Name(), err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if all {
		p.mu.Lock()
		p.closed = true
		clear(p.entries)
		p.mu.Unlock()

		p.events.close()
	}

	return errs
}

func (p *Pool) Send(name string, payload []byte) error {
	f, err := p.get(name)
	if err != nil {
		return err
	}

	return f.Send(payload)
}

func (p *Pool) WaitOpen(ctx context.Context, name string) error {
	f, err := p.get(name)
	if err != nil {
		return err
	}

	return f.WaitOpen(ctx)
}

func (p *Pool) IsOpen(name string) bool {
	f, err := p.get(name)
	if err != nil {
		return false
	}

	return f.IsOpen()
}

func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func (p *Pool) Subscribe() <-chan Event {
	return p.events.Subscribe()
}

func (p *Pool) Unsubscribe(ch <-chan Event) {
	p.events.Unsubscribe(ch)
}
