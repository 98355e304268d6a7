// Package client wires the session machine, the websocket transport, session
// recovery, reconnection and tab coordination into one running client.
package client

import (
	"context"
	"errors"
	"net/url"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/config"
	"github.com/DoyleJ11/tenebris-backend/internal/engine"
	"github.com/DoyleJ11/tenebris-backend/internal/reconnect"
	"github.com/DoyleJ11/tenebris-backend/internal/recovery"
	"github.com/DoyleJ11/tenebris-backend/internal/store"
	"github.com/DoyleJ11/tenebris-backend/internal/tabs"
	"github.com/DoyleJ11/tenebris-backend/internal/transport"
	itypes "github.com/DoyleJ11/tenebris-backend/internal/types"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ErrNoUser = errors.New("no user id configured")
var ErrNoMatch = errors.New("not in a match")

// serverEvents are the pushed messages that drive the local machine.
var serverEvents = []string{
	types.MsgLobbyUpdated,
	types.MsgTournamentStarted,
	types.MsgMatchReady,
	types.MsgMatchCompleted,
	types.MsgForfeitConfirmed,
	types.MsgTournamentCompleted,
}

type App struct {
	cfg       config.Client
	log       *zap.Logger
	store     store.SessionStore
	machine   *engine.Machine
	ws        *transport.WebSocket
	recovery  *recovery.Coordinator
	reconnect *reconnect.Engine
	tabs      *tabs.Coordinator
	unsubs    []func()
}

// New builds a client for cfg.UserID. The last persisted snapshot for that
// user, if valid, becomes the starting session.
func New(cfg config.Client, st store.SessionStore, registry tabs.Registry, log *zap.Logger) (*App, error) {
	if cfg.UserID == "" {
		return nil, ErrNoUser
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user", cfg.UserID))

	addr, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	q := addr.Query()
	q.Set("user", cfg.UserID)
	if cfg.Name != "" {
		q.Set("name", cfg.Name)
	}
	addr.RawQuery = q.Encode()

	user := types.User{ID: cfg.UserID, Name: cfg.Name}
	machine := engine.NewMachine(initialSession(st, user, log), st, log)
	ws := transport.NewWebSocket(addr.String(), cfg.DialTimeout, log)
	rec := recovery.NewCoordinator(recovery.ServerFetcher{Requester: ws}, machine, st, log)
	if cfg.RequestTimeout > 0 {
		rec.SetRequestTimeout(cfg.RequestTimeout)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		machine:   machine,
		ws:        ws,
		recovery:  rec,
		reconnect: reconnect.New(rec, machine, reconnect.WithLogger(log)),
		tabs:      tabs.New(registry, machine, tabs.WithLogger(log)),
	}, nil
}

func initialSession(st store.SessionStore, user types.User, log *zap.Logger) types.SessionSnapshot {
	snap, ok, err := st.Load()
	switch {
	case err != nil:
		log.Warn("load persisted session failed", zap.Error(err))
	case !ok:
	case snap.User.ID != user.ID:
		log.Info("persisted session belongs to another user", zap.String("stored", snap.User.ID))
	case !types.Validate(&snap).IsValid:
		log.Warn("persisted session is invalid")
	default:
		return snap
	}
	return types.NewMenuSnapshot(user)
}

func (a *App) Machine() *engine.Machine     { return a.machine }
func (a *App) Reconnect() *reconnect.Engine { return a.reconnect }
func (a *App) Tabs() *tabs.Coordinator      { return a.tabs }

// OnServerError subscribes to error frames the server sends for commands.
func (a *App) OnServerError(fn func(msg string)) func() {
	return a.ws.Subscribe(types.MsgError, func(env itypes.Envelope) { fn(env.Error) })
}

// Start registers the tab and opens the connection. Recovery runs on its
// own once connected if the starting session is not at the menu.
func (a *App) Start() error {
	a.reconnect.Initialize(a.ws)
	a.reconnect.Configure(a.cfg.Policy())

	for _, msgType := range serverEvents {
		a.unsubs = append(a.unsubs, a.ws.Subscribe(msgType, a.onServerEvent))
	}
	a.unsubs = append(a.unsubs, a.machine.OnChange(func(c engine.Change) {
		if c.From != c.To {
			a.tabs.Refresh()
		}
	}))

	if a.tabs.IsPageRefresh() {
		a.log.Info("restarted shortly after closing")
	}
	if err := a.tabs.Initialize(); err != nil {
		return err
	}
	a.ws.Connect()
	return nil
}

func (a *App) onServerEvent(env itypes.Envelope) {
	var server types.SessionSnapshot
	if err := env.Decode(&server); err != nil {
		a.log.Warn("bad server payload", zap.String("type", env.Type), zap.Error(err))
		return
	}
	for _, cmd := range engine.CommandsForServerEvent(a.machine.Snapshot(), env.Type, server) {
		if _, err := a.machine.Apply(cmd); err != nil {
			a.log.Info("server event not applied",
				zap.String("type", env.Type),
				zap.String("cmd", string(cmd.Type)),
				zap.Error(err))
			return
		}
	}
}

func (a *App) send(ctx context.Context, msgType string, payload any) error {
	env, err := itypes.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	return a.ws.Send(ctx, env)
}

func (a *App) Join(ctx context.Context, code string) error {
	return a.send(ctx, types.MsgJoinLobby, itypes.JoinLobby{Code: code, Name: a.cfg.Name})
}

func (a *App) Leave(ctx context.Context) error {
	a.tabs.MarkIntentionalLeave()
	return a.send(ctx, types.MsgLeaveLobby, nil)
}

func (a *App) StartTournament(ctx context.Context) error {
	return a.send(ctx, types.MsgStartTournament, nil)
}

// Report declares winnerID the winner of the current match.
func (a *App) Report(ctx context.Context, winnerID string) error {
	matchID, err := a.currentMatch()
	if err != nil {
		return err
	}
	return a.send(ctx, types.MsgReportResult, itypes.ReportResult{MatchID: matchID, WinnerID: winnerID})
}

func (a *App) Forfeit(ctx context.Context) error {
	matchID, err := a.currentMatch()
	if err != nil {
		return err
	}
	return a.send(ctx, types.MsgForfeit, itypes.Forfeit{MatchID: matchID})
}

func (a *App) currentMatch() (string, error) {
	gs := a.machine.Snapshot().GameSession
	if gs.CurrentState != types.PhaseMatch || gs.MatchID == "" {
		return "", ErrNoMatch
	}
	return gs.MatchID, nil
}

// Resync pulls the authoritative session from the server on demand.
func (a *App) Resync(ctx context.Context) recovery.Result {
	return a.recovery.AttemptSessionRecovery(ctx)
}

// Close unregisters the tab and drops the connection. It reports whether the
// user was in a lobby or tournament they had not explicitly left.
func (a *App) Close() bool {
	confirm := a.tabs.BeforeUnload()
	a.tabs.Destroy()
	a.reconnect.Destroy()
	for _, fn := range a.unsubs {
		fn()
	}
	a.unsubs = nil
	a.ws.Disconnect()
	return confirm
}
