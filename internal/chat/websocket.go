package chat

import (
	"context"

	"github.com/codefionn/clinicchat/internal/socketclient"
)

// URLBuilder returns the socket address of scope, authenticated by token.
type URLBuilder interface {
	SocketURL(scope Scope, token string) (string, error)
}

// WebsocketDialer dials scopes over socketclient.
type WebsocketDialer struct {
	Transport *socketclient.Dialer
	URLs      URLBuilder
}

func (d WebsocketDialer) Dial(ctx context.Context, scope Scope, token string, h socketclient.Handler) (Socket, error) {
	url, err := d.URLs.SocketURL(scope, token)
	if err != nil {
		return nil, err
	}
	transport := d.Transport
	if transport == nil {
		transport = socketclient.DefaultDialer()
	}
	conn, err := transport.Dial(ctx, url, h)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
