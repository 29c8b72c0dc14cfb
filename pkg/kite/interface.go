package kite

import "context"

// Authenticator obtains the access token used to open ticker sessions.
type Authenticator interface {
	AccessToken(ctx context.Context) (string, error)
	// Invalidate discards a cached token so the next call authenticates again.
	Invalidate()
}

// Connector opens ticker sessions.
type Connector interface {
	Connect(ctx context.Context, accessToken string) (Session, error)
}

// Session is one live ticker connection. Events is closed once the session
// has fully stopped.
type Session interface {
	Events() <-chan Event
	Subscribe(tokens []uint32) error
	SetMode(mode Mode, tokens []uint32) error
	IsConnected() bool
	Close() error
}

var (
	_ Authenticator = (*StaticToken)(nil)
	_ Authenticator = (*LoginAuthenticator)(nil)
	_ Connector     = (*TickerConnector)(nil)
	_ Session       = (*TickerSession)(nil)
)
