package realtime

import (
	"context"
	"errors"

	"table-session/internal/domain"
)

var (
	ErrMissingCredentials  = errors.New("missing realtime credentials")
	ErrConnectionLost      = errors.New("realtime connection lost")
	ErrConnectionExhausted = errors.New("realtime reconnect attempts exhausted")
	ErrNotConnected        = errors.New("realtime not connected")
	ErrScopeMismatch       = errors.New("credentials are for another scope")
	ErrSuperseded          = errors.New("connection attempt superseded")
	ErrReauthRejected      = errors.New("realtime re-auth rejected")
)

type Credentials struct {
	Token     string
	ScopeID   string
	Namespace string
}

// Handlers are installed by the manager on every new transport. A transport
// must not call OnDisconnect after its own Close has been called.
// OnJoinRejected reports a room the server refused to join.
type Handlers struct {
	OnEvent        func(domain.Event)
	OnDisconnect   func(error)
	OnJoinRejected func(room, reason string)
}

type Transport interface {
	Join(room string) error
	Leave(room string) error
	Emit(event string, payload any) error
	Close() error
}

// Reauther is implemented by transports that can swap credentials on a live
// connection.
type Reauther interface {
	Reauth(ctx context.Context, token string) error
}

type Dialer interface {
	Dial(ctx context.Context, creds Credentials, h Handlers) (Transport, error)
}

type DialFunc func(ctx context.Context, creds Credentials, h Handlers) (Transport, error)

func (f DialFunc) Dial(ctx context.Context, creds Credentials, h Handlers) (Transport, error) {
	return f(ctx, creds, h)
}
