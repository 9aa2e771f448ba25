package ws

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultReconnectMin      = time.Second
	DefaultReconnectMax      = 30 * time.Second
)

// ForwardConfig описывает одно исходящее соединение. Нулевые поля
// добиваются значениями по умолчанию при создании соединения, а в пуле
// дополнительно значениями из PoolConfig.
type ForwardConfig struct {
	Name        string
	URL         string
	AccessToken string
	Headers     http.Header

	// TLS задаёт транспортный TLS для wss-адресов.
	TLS *tls.Config

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// DisableReconnect выключает автоматическое переподключение после
	// неожиданного закрытия.
	DisableReconnect bool
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

func DefaultForwardConfig(name, wsURL string) ForwardConfig {
	return ForwardConfig{
		Name:              name,
		URL:               wsURL,
		ConnectTimeout:    DefaultConnectTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		ReconnectMin:      DefaultReconnectMin,
		ReconnectMax:      DefaultReconnectMax,
		Logger:            slog.Default(),
		Clock:             clock.New(),
	}
}

func (cfg *ForwardConfig) withDefaults() {
	cfg.Name = strings.TrimSpace(cfg.Name)

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}

	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

func (cfg *ForwardConfig) validate() error {
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrEmptyIdentity
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}

	return nil
}

// PoolConfig задаёт значения по умолчанию для всех соединений пула.
// Поля, не заданные в ForwardConfig записи, наследуются отсюда.
type PoolConfig struct {
	AccessToken string
	Headers     http.Header
	TLS         *tls.Config

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DisableReconnect bool
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:    DefaultConnectTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		ReconnectMin:      DefaultReconnectMin,
		ReconnectMax:      DefaultReconnectMax,
		Logger:            slog.Default(),
		Clock:             clock.New(),
	}
}

// ReverseConfig описывает слушающую сторону: адрес, политику проверки
// рукопожатия и параметры обслуживания входящих пиров.
type ReverseConfig struct {
	Host string
	Port int
	Path string

	AccessToken string
	Policy      *HeaderPolicy

	// TLS непустой переводит слушатель на wss.
	TLS *tls.Config

	// RejectDuplicateOrigin отклоняет пира, чей заявленный origin уже
	// закреплён за другим именем.
	RejectDuplicateOrigin bool

	ReadBufferSize  int
	WriteBufferSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

func DefaultReverseConfig(host string, port int) ReverseConfig {
	return ReverseConfig{
		Host:              host,
		Port:              port,
		Path:              "/",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		Logger:            slog.Default(),
		Clock:             clock.New(),
	}
}

func (cfg *ReverseConfig) withDefaults() {
	if cfg.Path == "" {
		cfg.Path = "/"
	}

	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}

	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}

	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

func (cfg *ReverseConfig) validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}

	return nil
}
