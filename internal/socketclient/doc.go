// Package socketclient is the websocket transport of the realtime chat
// channel.
//
// A Dialer opens a connection and starts its pumps; inbound text frames and
// the final closure are reported through a Handler:
//
//	conn, err := dialer.Dial(ctx, url, socketclient.Handler{
//	    OnMessage: func(data []byte) { ... },
//	    OnClose:   func(code int, reason string) { ... },
//	})
//	...
//	conn.Close(websocket.CloseNormalClosure, "scope switched")
//
// The transport never reconnects by itself; reconnection is the caller's
// policy. OnClose fires at most once per connection, and never after the
// caller closed the connection itself.
package socketclient
