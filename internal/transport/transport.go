// Package transport is the bidirectional event channel between a client and
// the game server.
package transport

import (
	"context"
	"errors"

	"github.com/DoyleJ11/tenebris-backend/internal/types"
)

var ErrNotConnected = errors.New("not connected")
var ErrConnectionLost = errors.New("connection lost before reply")
var ErrRemote = errors.New("server error")

// Channel is what the reconnection engine drives. Connect only starts an
// attempt; the outcome arrives through the handlers. Calling Connect while an
// attempt is already underway is a no-op. Each handler setter replaces the
// previous handler.
type Channel interface {
	Connect()
	Disconnect()
	Send(ctx context.Context, env types.Envelope) error
	OnConnected(fn func())
	OnDisconnected(fn func(err error))
	OnError(fn func(err error))
}

// Requester correlates a request with its reply by request id.
type Requester interface {
	Request(ctx context.Context, env types.Envelope) (types.Envelope, error)
}

// Subscriber delivers server-originated messages by type.
type Subscriber interface {
	Subscribe(msgType string, fn func(types.Envelope)) func()
}
