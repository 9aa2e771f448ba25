package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// startHeartbeat периодически пингует сокет и ждёт понг в пределах
// timeout. Пропущенный понг означает мёртвого пира: сокет принудительно
// завершается, дальше срабатывает обычный путь закрытия. Возвращённая
// функция останавливает монитор, повторные вызовы безопасны.
func startHeartbeat(
	sock *socket,
	interval, timeout time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	pongCh := make(chan struct{}, 1)
	sock.SetPongHandler(func() {
		select {
		case pongCh <- struct{}{}:
		default:
		}
	})

	stopCh := make(chan struct{})

	go func() {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-sock.Done():
				return
			case <-ticker.C:
			}

			if err := sock.Ping(); err != nil {
				logger.Warn("heartbeat ping failed", "name", sock.name, "error", err)
				sock.Terminate()

				return
			}

			timer := clk.Timer(timeout)

			select {
			case <-pongCh:
				timer.Stop()
			case <-timer.C:
				logger.Warn("heartbeat pong missed, terminating", "name", sock.name, "timeout", timeout)
				sock.Terminate()

				return
			case <-stopCh:
				timer.Stop()
				return
			case <-sock.Done():
				timer.Stop()
				return
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			close(stopCh)
		})
	}
}
