package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LLIEPJIOK/ws-link/pkg/ws"
)

// ErrUnknownAPI уходит удалённой стороне в ответ на запрос
// незарегистрированной операции.
var ErrUnknownAPI = errors.New("unknown api")

// Handler обрабатывает входящий запрос: получает аргументы операции и
// возвращает полезную нагрузку ответа либо ошибку. Контекст отменяется,
// когда фасад клиента закрывается.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Handle регистрирует обработчик операции api. Входящий запрос этой
// операции получает ответ с тем же echo по тому же соединению.
func (c *Client) Handle(api string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	c.handlers[api] = h
}

func (c *Client) getHandler(api string) (Handler, bool) {
	c.hmu.RLock()
	defer c.hmu.RUnlock()

	h, ok := c.handlers[api]

	return h, ok
}

// serve выполняет обработчик запроса и отправляет результат обратно.
// Запрос без echo ответа не ждёт: результат отбрасывается, ошибка
// только логируется.
func (c *Client) serve(conn string, env *ws.Envelope) {
	h, ok := c.getHandler(env.API)
	if !ok {
		c.logger.Warn("request for unknown api", "conn", conn, "api", env.API)
		c.reply(conn, env, ws.NewErrorResponse(env.Echo, fmt.Errorf("%w: %s", ErrUnknownAPI, env.API)))

		return
	}

	result, err := h(c.ctx, env.Data)
	if err != nil {
		c.reply(conn, env, ws.NewErrorResponse(env.Echo, err))
		return
	}

	resp, err := ws.NewResponse(env.Echo, result)
	if err != nil {
		c.logger.Error("failed to build response", "conn", conn, "api", env.API, "error", err)
		c.reply(conn, env, ws.NewErrorResponse(env.Echo, err))

		return
	}

	c.reply(conn, env, resp)
}

func (c *Client) reply(conn string, req, resp *ws.Envelope) {
	if req.Echo == "" {
		return
	}

	data, err := resp.Encode()
	if err != nil {
		c.logger.Error("failed to encode response", "conn", conn, "error", err)
		return
	}

	if err := c.Conn.Send(conn, data); err != nil {
		c.logger.Warn("failed to send response", "conn", conn, "error", err)
	}
}
