package ws

import "context"

// Conn - общий фасад прямого и обратного режимов: набор именованных
// соединений с единым потоком событий жизненного цикла. Прямой режим
// представлен пулом исходящих соединений, обратный - сервером входящих
// пиров.
type Conn interface {
	// Connect открывает перечисленные соединения, без имён - все.
	Connect(ctx context.Context, names ...string) error

	// WaitOpen ждёт открытия соединения. Пустое имя допустимо, когда
	// адресат однозначен.
	WaitOpen(ctx context.Context, name string) error

	// Send отправляет полезную нагрузку одним текстовым кадром.
	Send(name string, payload []byte) error

	IsOpen(name string) bool
	Names() []string

	// Close закрывает перечисленные соединения с кодом и причиной,
	// без имён - все вместе с самим фасадом.
	Close(code int, reason string, names ...string) error

	Subscribe() <-chan Event
	Unsubscribe(ch <-chan Event)
}

var (
	_ Conn = (*Pool)(nil)
	_ Conn = (*Server)(nil)
)
