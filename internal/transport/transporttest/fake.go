// Package transporttest provides an in-memory transport.Channel for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/DoyleJ11/tenebris-backend/internal/notify"
	"github.com/DoyleJ11/tenebris-backend/internal/transport"
	"github.com/DoyleJ11/tenebris-backend/internal/types"
)

// Fake records calls and lets the test decide how each Connect resolves.
type Fake struct {
	mu             sync.Mutex
	connected      bool
	connects       int
	disconnects    int
	sent           []types.Envelope
	onConnected    func()
	onDisconnected func(error)
	onError        func(error)
	subs           map[string]*notify.Fanout[types.Envelope]

	// OnConnect runs synchronously inside Connect with the 1-based call number.
	OnConnect func(f *Fake, call int)
	// OnRequest answers Request; nil means ErrNotConnected.
	OnRequest func(ctx context.Context, env types.Envelope) (types.Envelope, error)
}

func New() *Fake {
	return &Fake{subs: make(map[string]*notify.Fanout[types.Envelope])}
}

func (f *Fake) Connect() {
	f.mu.Lock()
	f.connects++
	call := f.connects
	hook := f.OnConnect
	f.mu.Unlock()
	if hook != nil {
		hook(f, call)
	}
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.connected = false
	f.mu.Unlock()
}

func (f *Fake) Send(_ context.Context, env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *Fake) Request(ctx context.Context, env types.Envelope) (types.Envelope, error) {
	f.mu.Lock()
	hook := f.OnRequest
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	if hook == nil {
		return types.Envelope{}, transport.ErrNotConnected
	}
	return hook(ctx, env)
}

func (f *Fake) OnConnected(fn func()) {
	f.mu.Lock()
	f.onConnected = fn
	f.mu.Unlock()
}

func (f *Fake) OnDisconnected(fn func(error)) {
	f.mu.Lock()
	f.onDisconnected = fn
	f.mu.Unlock()
}

func (f *Fake) OnError(fn func(error)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

func (f *Fake) Subscribe(msgType string, fn func(types.Envelope)) func() {
	f.mu.Lock()
	fan := f.subs[msgType]
	if fan == nil {
		fan = notify.New[types.Envelope](msgType, nil)
		f.subs[msgType] = fan
	}
	f.mu.Unlock()
	return fan.Subscribe(fn)
}

// EmitConnected marks the fake connected and calls the connected handler.
func (f *Fake) EmitConnected() {
	f.mu.Lock()
	f.connected = true
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *Fake) EmitDisconnected(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onDisconnected
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *Fake) EmitError(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Emit delivers a server message to subscribers of its type.
func (f *Fake) Emit(env types.Envelope) {
	f.mu.Lock()
	fan := f.subs[env.Type]
	f.mu.Unlock()
	if fan != nil {
		fan.Publish(env)
	}
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Sent() []types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Envelope(nil), f.sent...)
}
