// Package hub owns the set of live lobbies and which lobby each user is in.
package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/clock"
	"github.com/DoyleJ11/tenebris-backend/internal/lobby"
	"github.com/DoyleJ11/tenebris-backend/internal/store/pgstore"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ErrHubClosed = errors.New("hub closed")

type HubMsg interface{ isHubMsg() }

type CreateLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type RemoveLobby struct {
	Code string
}

// Bind records that UserID is a member of the lobby Code.
type Bind struct {
	UserID string
	Code   string
}

// Unbind forgets UserID's lobby if it is still Code.
type Unbind struct {
	UserID string
	Code   string
}

// FindUser replies with the live lobby UserID belongs to, or nil.
type FindUser struct {
	UserID string
	Reply  chan *lobby.Lobby
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (Bind) isHubMsg()        {}
func (Unbind) isHubMsg()      {}
func (FindUser) isHubMsg()    {}
func (ShutdownHub) isHubMsg() {}

// SnapshotStore is where lobbies write member snapshots and where sessions of
// users outside any live lobby are read from.
type SnapshotStore interface {
	lobby.SnapshotStore
	Delete(ctx context.Context, userID string) error
}

type Config struct {
	Store      SnapshotStore
	MaxPlayers int
	Clock      clock.Clock
	Log        *zap.Logger
}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	users   map[string]string // user id -> lobby code
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, cfg Config) *Hub {
	if cfg.Store == nil {
		cfg.Store = pgstore.NewMemory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		users:   make(map[string]string),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Store() SnapshotStore { return h.cfg.Store }

func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby, EnsureLobby:
				code, reply := lobbyRequest(msg)
				if lb := h.live(code); lb != nil {
					reply <- lb
					break
				}
				lb := lobby.NewLobby(h.ctx, lobby.Config{
					Code:       code,
					MaxPlayers: h.cfg.MaxPlayers,
					Store:      h.cfg.Store,
					Clock:      h.cfg.Clock,
					Log:        h.cfg.Log,
				})
				h.lobbies[code] = lb
				h.cfg.Log.Info("lobby created", zap.String("lobby", code))
				reply <- lb

			case GetLobby:
				msg.Reply <- h.live(msg.Code) // May be nil

			case RemoveLobby:
				h.remove(msg.Code)

			case Bind:
				h.users[msg.UserID] = msg.Code

			case Unbind:
				if h.users[msg.UserID] == msg.Code {
					delete(h.users, msg.UserID)
				}

			case FindUser:
				code, ok := h.users[msg.UserID]
				if !ok {
					msg.Reply <- nil
					break
				}
				lb := h.live(code)
				if lb == nil {
					delete(h.users, msg.UserID)
				}
				msg.Reply <- lb

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func lobbyRequest(m HubMsg) (string, chan *lobby.Lobby) {
	switch msg := m.(type) {
	case CreateLobby:
		return msg.Code, msg.Reply
	case EnsureLobby:
		return msg.Code, msg.Reply
	}
	return "", nil
}

// live returns the lobby for code, forgetting it if it has stopped.
func (h *Hub) live(code string) *lobby.Lobby {
	lb := h.lobbies[code]
	if lb == nil {
		return nil
	}
	select {
	case <-lb.Done():
		h.remove(code)
		return nil
	default:
		return lb
	}
}

func (h *Hub) remove(code string) {
	delete(h.lobbies, code)
	for user, c := range h.users {
		if c == code {
			delete(h.users, user)
		}
	}
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		_ = lb.Send(context.Background(), lobby.Shutdown{})
	}
	clear(h.lobbies)
	clear(h.users)
	h.cancel()
}

// ask sends m and waits for its reply, giving up when the hub stops.
func ask[T any](ctx context.Context, h *Hub, m HubMsg, reply chan T) (T, error) {
	var zero T
	if err := h.tell(ctx, m); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, ErrHubClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (h *Hub) tell(ctx context.Context, m HubMsg) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Lobby(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return ask(ctx, h, GetLobby{Code: code, Reply: reply}, reply)
}

func (h *Hub) Ensure(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return ask(ctx, h, EnsureLobby{Code: code, Reply: reply}, reply)
}

func (h *Hub) UserLobby(ctx context.Context, userID string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return ask(ctx, h, FindUser{UserID: userID, Reply: reply}, reply)
}

func (h *Hub) Bind(ctx context.Context, userID, code string) error {
	return h.tell(ctx, Bind{UserID: userID, Code: code})
}

func (h *Hub) Unbind(ctx context.Context, userID, code string) error {
	return h.tell(ctx, Unbind{UserID: userID, Code: code})
}

// Session returns userID's authoritative snapshot: from the live lobby when
// the user is in one, otherwise from the store, otherwise the menu.
func (h *Hub) Session(ctx context.Context, user types.User) (types.SessionSnapshot, error) {
	lb, err := h.UserLobby(ctx, user.ID)
	if err != nil {
		return types.SessionSnapshot{}, err
	}
	if snap, ok := lobbySession(ctx, lb, user.ID); ok {
		return snap, nil
	}

	snap, err := h.cfg.Store.Get(ctx, user.ID)
	switch {
	case errors.Is(err, pgstore.ErrNotFound):
	case err != nil:
		return types.SessionSnapshot{}, err
	case snap.GameSession.CurrentState.Idle() || snap.GameSession.LobbyID == "":
		return snap, nil
	default:
		lb, err := h.Lobby(ctx, snap.GameSession.LobbyID)
		if err != nil {
			return types.SessionSnapshot{}, err
		}
		if live, ok := lobbySession(ctx, lb, user.ID); ok {
			return live, nil
		}
		// The stored session points at a lobby that is gone.
		h.cfg.Log.Info("stale session in store", zap.String("user", user.ID), zap.String("lobby", snap.GameSession.LobbyID))
	}
	menu := types.NewMenuSnapshot(user)
	menu.Timestamp = h.cfg.Clock.Now()
	return menu, nil
}

func lobbySession(ctx context.Context, lb *lobby.Lobby, userID string) (types.SessionSnapshot, bool) {
	if lb == nil {
		return types.SessionSnapshot{}, false
	}
	reply := make(chan lobby.SessionReply, 1)
	r, err := lobby.Do(ctx, lb, lobby.GetSession{UserID: userID, Reply: reply}, reply)
	if err != nil || !r.OK {
		return types.SessionSnapshot{}, false
	}
	return r.Session, true
}
