package client

import (
	"fmt"
	"os"
	"time"
)

// ConfigFromEnv загружает конфигурацию из переменных окружения
// WS_LINK_URL - адрес удалённого конца
// WS_LINK_NAME - имя этой стороны
// WS_LINK_TOKEN - токен доступа (необязателен)
// WS_LINK_TIMEOUT - таймаут запроса в формате time.ParseDuration (необязателен)
func ConfigFromEnv() (Config, error) {
	wsURL := os.Getenv("WS_LINK_URL")
	name := os.Getenv("WS_LINK_NAME")

	if wsURL == "" || name == "" {
		return Config{}, fmt.Errorf("WS_LINK_URL and WS_LINK_NAME environment variables are required")
	}

	cfg := DefaultConfig(name, wsURL)
	cfg.AccessToken = os.Getenv("WS_LINK_TOKEN")

	if v := os.Getenv("WS_LINK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse WS_LINK_TIMEOUT: %w", err)
		}

		cfg.RequestTimeout = d
	}

	return cfg, nil
}
