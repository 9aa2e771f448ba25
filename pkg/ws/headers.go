package ws

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	HeaderSelfName      = "X-Self-Name"
	HeaderClientOrigin  = "X-Client-Origin"
	HeaderAuthorization = "Authorization"
)

// ClientOrigin - фиксированный тег этой реализации, всегда добавляется
// в заголовки исходящего рукопожатия.
const ClientOrigin = "ws-link"

type HeaderPolicy struct {
	Strict      bool
	Identity    string
	AccessToken string
}

// BuildHeaders собирает заголовки рукопожатия: пользовательские заголовки
// дополняются обязательными полями идентичности, происхождения и авторизации.
// Конфликт пользовательского значения с обязательным - ошибка.
func BuildHeaders(name, token string, extra http.Header) (http.Header, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyIdentity
	}

	if token != "" && strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}
	token = strings.TrimSpace(token)

	h := http.Header{}
	for key, values := range extra {
		for _, v := range values {
			h.Add(key, strings.TrimSpace(v))
		}
	}

	if err := setMandated(h, HeaderSelfName, name); err != nil {
		return nil, err
	}

	if err := setMandated(h, HeaderClientOrigin, ClientOrigin); err != nil {
		return nil, err
	}

	if token != "" {
		want := normalizeBearer(token)

		if got := h.Get(HeaderAuthorization); got != "" && normalizeBearer(got) != want {
			return nil, fmt.Errorf("%w: %s", ErrHeaderConflict, HeaderAuthorization)
		}

		h.Set(HeaderAuthorization, want)
	}

	return h, nil
}

func setMandated(h http.Header, key, want string) error {
	if got := h.Get(key); got != "" && got != want {
		return fmt.Errorf("%w: %s", ErrHeaderConflict, key)
	}

	h.Set(key, want)

	return nil
}

// ValidateHeaders проверяет нормализованные заголовки входящего рукопожатия
// по политике. Нестрогая политика пропускает всё.
func ValidateHeaders(h http.Header, policy *HeaderPolicy) error {
	if policy == nil || !policy.Strict {
		return nil
	}

	name := strings.TrimSpace(h.Get(HeaderSelfName))
	if name == "" {
		return ErrEmptyIdentity
	}

	if policy.Identity != "" && name != policy.Identity {
		return fmt.Errorf("%w: %q", ErrIdentityMismatch, name)
	}

	if policy.AccessToken != "" && !MatchAuthorization(policy.AccessToken, h.Get(HeaderAuthorization)) {
		return ErrUnauthorized
	}

	return nil
}

// MatchAuthorization сравнивает токен с заголовком авторизации, приводя
// обе стороны к канонической форме "Bearer <token>".
func MatchAuthorization(token, header string) bool {
	return normalizeBearer(token) == normalizeBearer(header)
}

func normalizeBearer(s string) string {
	t := strings.TrimSpace(s)
	if len(t) >= 7 && strings.EqualFold(t[:7], "bearer ") {
		t = strings.TrimSpace(t[7:])
	}

	return "Bearer " + t
}
