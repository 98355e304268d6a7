package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/notify"
	"github.com/DoyleJ11/tenebris-backend/internal/types"
)

const readLimit = 1 << 20

type reply struct {
	env types.Envelope
	err error
}

type conn struct {
	ws      *websocket.Conn
	cancel  context.CancelFunc
	closing bool
}

// WebSocket is a Channel over a single websocket connection to url.
type WebSocket struct {
	url         string
	dialTimeout time.Duration
	log         *zap.Logger

	mu             sync.Mutex
	cur            *conn
	connecting     bool
	onConnected    func()
	onDisconnected func(error)
	onError        func(error)
	pending        map[string]chan reply
	subs           map[string]*notify.Fanout[types.Envelope]
}

func NewWebSocket(url string, dialTimeout time.Duration, log *zap.Logger) *WebSocket {
	if log == nil {
		log = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &WebSocket{
		url:         url,
		dialTimeout: dialTimeout,
		log:         log.With(zap.String("url", url)),
		pending:     make(map[string]chan reply),
		subs:        make(map[string]*notify.Fanout[types.Envelope]),
	}
}

func (w *WebSocket) OnConnected(fn func()) {
	w.mu.Lock()
	w.onConnected = fn
	w.mu.Unlock()
}

func (w *WebSocket) OnDisconnected(fn func(error)) {
	w.mu.Lock()
	w.onDisconnected = fn
	w.mu.Unlock()
}

func (w *WebSocket) OnError(fn func(error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur != nil
}

func (w *WebSocket) Connect() {
	w.mu.Lock()
	if w.cur != nil || w.connecting {
		w.mu.Unlock()
		return
	}
	w.connecting = true
	w.mu.Unlock()

	go w.dial()
}

func (w *WebSocket) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), w.dialTimeout)
	ws, _, err := websocket.Dial(ctx, w.url, nil)
	cancel()

	w.mu.Lock()
	w.connecting = false
	if err != nil {
		onError := w.onError
		w.mu.Unlock()
		w.log.Debug("dial failed", zap.Error(err))
		if onError != nil {
			onError(err)
		}
		return
	}
	ws.SetReadLimit(readLimit)
	readCtx, readCancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, cancel: readCancel}
	w.cur = c
	onConnected := w.onConnected
	w.mu.Unlock()

	w.log.Info("connected")
	go w.readLoop(readCtx, c)
	if onConnected != nil {
		onConnected()
	}
}

func (w *WebSocket) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			w.lost(c, err)
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.log.Warn("bad frame", zap.Error(err))
			continue
		}
		w.dispatch(env)
	}
}

func (w *WebSocket) dispatch(env types.Envelope) {
	w.mu.Lock()
	if env.RequestID != "" {
		if ch, ok := w.pending[env.RequestID]; ok {
			delete(w.pending, env.RequestID)
			w.mu.Unlock()
			ch <- reply{env: env}
			return
		}
	}
	fan := w.subs[env.Type]
	w.mu.Unlock()

	if fan == nil {
		w.log.Debug("unhandled message", zap.String("type", env.Type))
		return
	}
	fan.Publish(env)
}

func (w *WebSocket) lost(c *conn, err error) {
	w.mu.Lock()
	if w.cur == c {
		w.cur = nil
	}
	for id, ch := range w.pending {
		delete(w.pending, id)
		ch <- reply{err: ErrConnectionLost}
	}
	intentional := c.closing
	onDisconnected := w.onDisconnected
	w.mu.Unlock()

	c.cancel()
	if intentional {
		w.log.Debug("disconnected")
		return
	}
	w.log.Warn("connection lost", zap.Error(err))
	if onDisconnected != nil {
		onDisconnected(err)
	}
}

// Disconnect closes the current connection without reporting it as a loss.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	c := w.cur
	if c != nil {
		c.closing = true
	}
	w.mu.Unlock()
	if c != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (w *WebSocket) Send(ctx context.Context, env types.Envelope) error {
	w.mu.Lock()
	c := w.cur
	w.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// Request sends env with a fresh request id and waits for the matching reply.
func (w *WebSocket) Request(ctx context.Context, env types.Envelope) (types.Envelope, error) {
	env.RequestID = uuid.NewString()
	ch := make(chan reply, 1)
	w.mu.Lock()
	w.pending[env.RequestID] = ch
	w.mu.Unlock()

	forget := func() {
		w.mu.Lock()
		delete(w.pending, env.RequestID)
		w.mu.Unlock()
	}
	if err := w.Send(ctx, env); err != nil {
		forget()
		return types.Envelope{}, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return types.Envelope{}, r.err
		}
		if r.env.Error != "" {
			return r.env, fmt.Errorf("%w: %s", ErrRemote, r.env.Error)
		}
		return r.env, nil
	case <-ctx.Done():
		forget()
		return types.Envelope{}, ctx.Err()
	}
}

func (w *WebSocket) Subscribe(msgType string, fn func(types.Envelope)) func() {
	w.mu.Lock()
	fan := w.subs[msgType]
	if fan == nil {
		fan = notify.New[types.Envelope](msgType, w.log)
		w.subs[msgType] = fan
	}
	w.mu.Unlock()
	return fan.Subscribe(fn)
}
