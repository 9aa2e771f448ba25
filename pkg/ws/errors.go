package ws

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotOpen          = errors.New("connection not open")
	ErrUnknownName      = errors.New("unknown connection name")
	ErrAmbiguousName    = errors.New("connection name required")
	ErrDuplicateName    = errors.New("duplicate connection name")
	ErrDuplicateOrigin  = errors.New("origin already bound")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrDuplicateEcho    = errors.New("duplicate echo id")
	ErrTableFull        = errors.New("pending table full")
	ErrHeaderConflict   = errors.New("conflicting header value")
	ErrEmptyIdentity    = errors.New("empty identity name")
	ErrEmptyToken       = errors.New("empty access token")
	ErrIdentityMismatch = errors.New("identity mismatch")
	ErrUnauthorized     = errors.New("authorization rejected")
	ErrInvalidPort      = errors.New("invalid port")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrServerError      = errors.New("server error")
)
