package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultPendingCapacity = 1024

// pendingKey адресует ожидание по echo-идентификатору и области
// (имени соединения). Пустая область означает регистрацию без привязки.
type pendingKey struct {
	echo  string
	scope string
}

// Pending - одно ожидание ответа. Получает либо конверт, либо ошибку,
// ровно один раз.
type Pending struct {
	echo   string
	op     string
	respCh chan *Envelope
	errCh  chan error
}

func (p *Pending) Await(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-p.respCh:
		return env, nil
	case err := <-p.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingEntry struct {
	p     *Pending
	timer *clock.Timer
}

// PendingTable сопоставляет входящие ответы с ожиданиями по echo.
// Число одновременных ожиданий ограничено ёмкостью, просроченные
// снимаются по таймеру.
type PendingTable struct {
	capacity int
	clk      clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
}

func NewPendingTable(capacity int, clk clock.Clock, logger *slog.Logger) *PendingTable {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}

	if clk == nil {
		clk = clock.New()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PendingTable{
		capacity: capacity,
		clk:      clk,
		logger:   logger,
		entries:  make(map[pendingKey]*pendingEntry),
	}
}

// Create регистрирует ожидание ответа на запрос op с данным echo.
// При timeout > 0 ожидание снимается по таймеру с ошибкой, называющей
// операцию и длительность.
func (t *PendingTable) Create(echo, op, scope string, timeout time.Duration) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.capacity {
		return nil, fmt.Errorf("%w: %d requests in flight", ErrTableFull, len(t.entries))
	}

	key := pendingKey{echo: echo, scope: scope}
	if _, ok := t.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEcho, echo)
	}

	p := &Pending{
		echo:   echo,
		op:     op,
		respCh: make(chan *Envelope, 1),
		errCh:  make(chan error, 1),
	}

	entry := &pendingEntry{p: p}
	if timeout > 0 {
		entry.timer = t.clk.AfterFunc(timeout, func() {
			t.expire(key, entry, timeout)
		})
	}

	t.entries[key] = entry

	return p, nil
}

// expire срабатывает по таймеру. Ключ к этому моменту могла занять
// новая регистрация, поэтому запись сверяется по идентичности.
func (t *PendingTable) expire(key pendingKey, entry *pendingEntry, timeout time.Duration) {
	t.mu.Lock()

	ok := t.entries[key] == entry
	if ok {
		delete(t.entries, key)
	}

	t.mu.Unlock()

	if !ok {
		return
	}

	p := entry.p
	t.logger.Debug("pending request expired", "echo", p.echo, "op", p.op)
	p.errCh <- fmt.Errorf("%s timed out after %s: %w", p.op, timeout, ErrRequestTimeout)
}

// Resolve доставляет конверт ожиданию. Сначала ищется точное совпадение
// по области, затем регистрация без привязки с тем же echo.
func (t *PendingTable) Resolve(echo, scope string, env *Envelope) bool {
	entry, ok := t.take(pendingKey{echo: echo, scope: scope})
	if !ok && scope != "" {
		entry, ok = t.take(pendingKey{echo: echo})
	}

	if !ok {
		return false
	}

	entry.p.respCh <- env

	return true
}

// Cancel снимает одно ожидание с ошибкой err. Порядок поиска тот же,
// что у Resolve: сначала точная область, затем регистрация без
// привязки.
func (t *PendingTable) Cancel(echo, scope string, err error) bool {
	entry, ok := t.take(pendingKey{echo: echo, scope: scope})
	if !ok && scope != "" {
		entry, ok = t.take(pendingKey{echo: echo})
	}

	if !ok {
		return false
	}

	entry.p.errCh <- err

	return true
}

func (t *PendingTable) take(key pendingKey) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}

	delete(t.entries, key)

	if entry.timer != nil {
		entry.timer.Stop()
	}

	return entry, true
}

// RejectAll снимает все ожидания с ошибкой err.
func (t *PendingTable) RejectAll(err error) {
	t.reject(func(pendingKey) bool { return true }, err)
}

// RejectScope снимает все ожидания, привязанные к области scope.
func (t *PendingTable) RejectScope(scope string, err error) {
	t.reject(func(k pendingKey) bool { return k.scope == scope }, err)
}

func (t *PendingTable) reject(match func(pendingKey) bool, err error) {
	t.mu.Lock()

	var dropped []*pendingEntry

	for key, entry := range t.entries {
		if !match(key) {
			continue
		}

		delete(t.entries, key)

		if entry.timer != nil {
			entry.timer.Stop()
		}

		dropped = append(dropped, entry)
	}

	t.mu.Unlock()

	for _, entry := range dropped {
		entry.p.errCh <- err
	}
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
