package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/hub"
	"github.com/DoyleJ11/tenebris-backend/internal/lobby"
	itypes "github.com/DoyleJ11/tenebris-backend/internal/types"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

const (
	writeTimeout   = 3 * time.Second
	requestTimeout = 5 * time.Second

	// DefaultOutboxSize is how many lobby updates may queue for one connection
	// before the lobby evicts it as a slow client.
	DefaultOutboxSize = 16
)

type Option func(*options)

type options struct {
	outboxSize int
}

// WithOutboxSize sets the per-connection update queue length. Zero means the
// connection must be waiting for each update as it is published.
func WithOutboxSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.outboxSize = n
		}
	}
}

var errNoLobby = errors.New("not in a lobby")
var errInLobby = errors.New("already in a lobby")

// Handler upgrades /ws?user=<id>&name=<display> and speaks the envelope
// protocol for that user. A user that is still a member of a live lobby is
// re-attached to it on connect.
func Handler(h *hub.Hub, log *zap.Logger, opts ...Option) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{outboxSize: DefaultOutboxSize}
	for _, opt := range opts {
		opt(&o)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			log.Warn("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &client{
			conn:       conn,
			hub:        h,
			outboxSize: o.outboxSize,
			user:       types.User{ID: userID, Name: r.URL.Query().Get("name")},
			log:        log.With(zap.String("user", userID)),
		}
		c.log.Info("client connected")
		c.resume(r.Context())
		defer c.detach()
		c.readLoop(r.Context())
		c.log.Info("client disconnected")
	}
}

type client struct {
	conn       *websocket.Conn
	hub        *hub.Hub
	user       types.User
	log        *zap.Logger
	current    *lobby.Lobby
	out        chan lobby.Update
	outboxSize int
}

func (c *client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			// Treat clean close/going-away as normal:
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.log.Debug("read ended", zap.Error(err))
			}
			return
		}

		var env itypes.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.fail(ctx, "", errors.New("bad json"))
			continue
		}
		if err := c.dispatch(ctx, env); err != nil {
			c.fail(ctx, env.RequestID, err)
		}
	}
}

func (c *client) dispatch(ctx context.Context, env itypes.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch env.Type {
	case types.MsgJoinLobby:
		var p itypes.JoinLobby
		if err := env.Decode(&p); err != nil || p.Code == "" {
			return errors.New("join_lobby needs a code")
		}
		if p.Name != "" {
			c.user.Name = p.Name
		}
		return c.join(ctx, p.Code)

	case types.MsgLeaveLobby:
		if c.live() == nil {
			return errNoLobby
		}
		code := c.current.Code()
		if err := c.call(ctx, func(reply chan error) lobby.Msg {
			return lobby.Leave{UserID: c.user.ID, Reply: reply}
		}); err != nil {
			return err
		}
		c.current, c.out = nil, nil
		return c.hub.Unbind(ctx, c.user.ID, code)

	case types.MsgStartTournament:
		return c.call(ctx, func(reply chan error) lobby.Msg {
			return lobby.StartTournament{UserID: c.user.ID, Reply: reply}
		})

	case types.MsgReportResult:
		var p itypes.ReportResult
		if err := env.Decode(&p); err != nil || p.MatchID == "" {
			return errors.New("report_result needs a match_id")
		}
		return c.call(ctx, func(reply chan error) lobby.Msg {
			return lobby.ReportResult{UserID: c.user.ID, MatchID: p.MatchID, WinnerID: p.WinnerID, Reply: reply}
		})

	case types.MsgForfeit:
		var p itypes.Forfeit
		if err := env.Decode(&p); err != nil || p.MatchID == "" {
			return errors.New("forfeit needs a match_id")
		}
		return c.call(ctx, func(reply chan error) lobby.Msg {
			return lobby.Forfeit{UserID: c.user.ID, MatchID: p.MatchID, Reply: reply}
		})

	case types.MsgRequestState:
		snap, err := c.hub.Session(ctx, c.user)
		if err != nil {
			return err
		}
		reply, err := itypes.NewEnvelope(types.MsgSessionState, snap)
		if err != nil {
			return err
		}
		reply.RequestID = env.RequestID
		return c.write(ctx, reply)

	default:
		return errors.New("unknown type")
	}
}

// resume re-attaches the connection to the lobby the user is still in.
func (c *client) resume(ctx context.Context) {
	lb, err := c.hub.UserLobby(ctx, c.user.ID)
	if err != nil || lb == nil {
		return
	}
	if err := c.attach(ctx, lb); err != nil {
		c.log.Info("resume failed", zap.String("lobby", lb.Code()), zap.Error(err))
		return
	}
	c.log.Info("resumed lobby", zap.String("lobby", lb.Code()))
}

// live drops the current lobby once it has stopped.
func (c *client) live() *lobby.Lobby {
	if c.current == nil {
		return nil
	}
	select {
	case <-c.current.Done():
		c.current, c.out = nil, nil
	default:
	}
	return c.current
}

func (c *client) join(ctx context.Context, code string) error {
	if c.live() != nil {
		if c.current.Code() == code {
			return nil
		}
		return errInLobby
	}
	lb, err := c.hub.Lobby(ctx, code)
	if err != nil {
		return err
	}
	if lb == nil {
		return errors.New("lobby not found")
	}
	if err := c.attach(ctx, lb); err != nil {
		return err
	}
	return c.hub.Bind(ctx, c.user.ID, code)
}

func (c *client) attach(ctx context.Context, lb *lobby.Lobby) error {
	out := make(chan lobby.Update, c.outboxSize)
	evicted := make(chan struct{})
	reply := make(chan error, 1)
	err := lobby.Call(ctx, lb, lobby.Join{UserID: c.user.ID, Name: c.user.Name, Outbox: out, Evicted: evicted, Reply: reply}, reply)
	if err != nil {
		return err
	}
	c.current, c.out = lb, out
	go c.pump(out, evicted)
	return nil
}

func (c *client) detach() {
	if c.current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.current.Send(ctx, lobby.Detach{UserID: c.user.ID, Outbox: c.out})
}

// pump forwards lobby updates until the lobby closes the outbox. A connection
// the lobby evicted for falling behind is closed so the client reconnects and
// resyncs; any other close (leave, takeover, shutdown) leaves it open.
func (c *client) pump(out <-chan lobby.Update, evicted <-chan struct{}) {
	for u := range out {
		env, err := itypes.NewEnvelope(u.Type, u.Session)
		if err != nil {
			continue
		}
		if err := c.write(context.Background(), env); err != nil {
			c.log.Debug("write update failed", zap.Error(err))
		}
	}
	select {
	case <-evicted:
		c.log.Warn("evicted as slow client, closing connection")
		_ = c.conn.Close(websocket.StatusTryAgainLater, "slow client")
	default:
	}
}

func (c *client) call(ctx context.Context, build func(chan error) lobby.Msg) error {
	if c.live() == nil {
		return errNoLobby
	}
	reply := make(chan error, 1)
	return lobby.Call(ctx, c.current, build(reply), reply)
}

func (c *client) write(ctx context.Context, env itypes.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *client) fail(ctx context.Context, requestID string, err error) {
	c.log.Debug("request failed", zap.String("request_id", requestID), zap.Error(err))
	_ = c.write(ctx, itypes.Envelope{Type: types.MsgError, RequestID: requestID, Error: err.Error()})
}
