// Package ws предоставляет двунаправленный обмен сообщениями поверх
// WebSocket с поддержкой:
//   - Прямого режима (пул исходящих соединений к именованным удалённым
//     концам с добавлением и удалением на лету)
//   - Обратного режима (сервер, принимающий входящих пиров с проверкой
//     рукопожатия и заменой повторно заявленного имени)
//   - Переподключения с экспоненциальной задержкой и heartbeat-контроля
//     живости каждого сокета
//   - Корреляции ответов с ожидающими вызовами по echo-идентификатору
//
// # Прямой режим
//
//	pool := ws.NewPool(ws.DefaultPoolConfig())
//	pool.Add(ws.DefaultForwardConfig("bridge", "ws://localhost:8080/"))
//	pool.Connect(ctx)
//
//	events := pool.Subscribe()
//	for ev := range events {
//	    if msg, ok := ev.(ws.MessageEvent); ok {
//	        handle(msg.Conn, msg.Data)
//	    }
//	}
//
// # Обратный режим
//
//	srv, _ := ws.NewServer(ws.DefaultReverseConfig("", 8080))
//	srv.Connect(ctx)
//	srv.WaitOpen(ctx, "bridge")
//	srv.Send("bridge", payload)
//
// # Рукопожатие
//
// Каждое исходящее соединение представляется заголовками:
//
//	X-Self-Name: <имя>
//	X-Client-Origin: <метка источника>
//	Authorization: Bearer <токен>
//
// Обратная сторона проверяет их по настроенной политике: пир без имени
// отклоняется, при включённой проверке origin второй пир с чужой меткой
// тоже. Отклонение закрывает сокет кодом 1008, замена пира с тем же
// именем закрывает старый сокет кодом 1001.
//
// # Протокол сообщений
//
// Запрос и ответ связываются полем echo:
//
//	{"api": "send_msg", "data": {...}, "echo": "a1b2..."}
//	{"status": "ok", "message": "", "data": {...}, "echo": "a1b2..."}
//
// Сам пакет кадры не разбирает: каждый входящий кадр доставляется
// подписчикам как MessageEvent. Сопоставление ответов с ожидающими
// вызовами и обслуживание входящих запросов выполняет надстройка
// link/client.
package ws
