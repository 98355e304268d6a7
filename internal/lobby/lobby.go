// Package lobby runs one party as a single goroutine: membership, the host,
// a single-elimination tournament and the authoritative session snapshot of
// every member. Everything reaches it through its inbox.
package lobby

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/clock"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

const DefaultMaxPlayers = 8

const persistTimeout = 2 * time.Second

var ErrClosed = errors.New("lobby closed")
var ErrLobbyFull = errors.New("lobby is full")
var ErrNotMember = errors.New("not a member of this lobby")
var ErrNotHost = errors.New("only the host can do that")
var ErrTournamentRunning = errors.New("tournament already running")
var ErrNoTournament = errors.New("no tournament running")
var ErrTooFewPlayers = errors.New("need at least two players")

type Msg interface{ isLobbyMsg() }

// Join adds UserID to the lobby, or re-attaches a member's new connection.
type Join struct {
	UserID string
	Name   string
	Outbox chan Update // where this connection wants its updates
	// Evicted, if set, is closed just before Outbox when the lobby drops the
	// connection for falling behind. A takeover or leave only closes Outbox.
	Evicted chan struct{}
	Reply   chan error
}

func (Join) isLobbyMsg() {}

// Detach forgets a connection without touching membership. It is ignored if
// the member has since attached a different outbox.
type Detach struct {
	UserID string
	Outbox chan Update
}

func (Detach) isLobbyMsg() {}

type Leave struct {
	UserID string
	Reply  chan error
}

func (Leave) isLobbyMsg() {}

type StartTournament struct {
	UserID string
	Reply  chan error
}

func (StartTournament) isLobbyMsg() {}

type ReportResult struct {
	UserID   string
	MatchID  string
	WinnerID string
	Reply    chan error
}

func (ReportResult) isLobbyMsg() {}

type Forfeit struct {
	UserID  string
	MatchID string
	Reply   chan error
}

func (Forfeit) isLobbyMsg() {}

type GetSession struct {
	UserID string
	Reply  chan SessionReply
}

func (GetSession) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

// Update is what a connection receives: a message type and the receiving
// user's snapshot after the change.
type Update struct {
	Type    string
	Version int
	Session types.SessionSnapshot
}

type SessionReply struct {
	Session types.SessionSnapshot
	OK      bool
}

type View struct {
	Code       string
	Version    int
	NumClients int
	HostID     string
	Members    []types.Player
	Tournament *types.TournamentState
}

// SnapshotStore receives every member's snapshot after each change.
type SnapshotStore interface {
	Put(ctx context.Context, snap types.SessionSnapshot) error
	Get(ctx context.Context, userID string) (types.SessionSnapshot, error)
}

type Config struct {
	Code       string
	MaxPlayers int
	Store      SnapshotStore
	Clock      clock.Clock
	Log        *zap.Logger
}

type Lobby struct {
	inbox      chan Msg
	code       string
	maxPlayers int
	hostID     string
	members    []types.Player
	clients    map[string]outbox
	tournament *types.TournamentState
	version    int
	joined     bool
	store      SnapshotStore
	clock      clock.Clock
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewLobby(parent context.Context, cfg Config) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = DefaultMaxPlayers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	l := &Lobby{
		inbox:      make(chan Msg, 64),
		code:       cfg.Code,
		maxPlayers: cfg.MaxPlayers,
		clients:    make(map[string]outbox),
		store:      cfg.Store,
		clock:      cfg.Clock,
		log:        cfg.Log.With(zap.String("lobby", cfg.Code)),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go l.loop()
	return l
}

func (l *Lobby) Code() string { return l.code }

// Inbox is exposed for the hub, the websocket layer and tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Send delivers m unless the lobby has stopped or ctx ends first.
func (l *Lobby) Send(ctx context.Context, m Msg) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.inbox <- m:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends a message carrying reply and waits for the lobby's answer.
func Do[T any](ctx context.Context, l *Lobby, m Msg, reply chan T) (T, error) {
	var zero T
	if err := l.Send(ctx, m); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		// The last reply is sent before the lobby stops.
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Call sends a message whose reply is an error and waits for it.
func Call(ctx context.Context, l *Lobby, m Msg, reply chan error) error {
	err, sendErr := Do(ctx, l, m, reply)
	if sendErr != nil {
		return sendErr
	}
	return err
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				respond(msg.Reply, l.join(msg))

			case Detach:
				if o, ok := l.clients[msg.UserID]; ok && o.ch == msg.Outbox {
					close(o.ch)
					delete(l.clients, msg.UserID)
				}

			case Leave:
				respond(msg.Reply, l.leave(msg.UserID))

			case StartTournament:
				respond(msg.Reply, l.startTournament(msg.UserID))

			case ReportResult:
				respond(msg.Reply, l.decide(msg.UserID, msg.MatchID, types.MsgMatchCompleted, func(t *types.TournamentState) error {
					return reportResult(t, msg.MatchID, msg.UserID, msg.WinnerID)
				}))

			case Forfeit:
				respond(msg.Reply, l.decide(msg.UserID, msg.MatchID, types.MsgForfeitConfirmed, func(t *types.TournamentState) error {
					return forfeitMatch(t, msg.MatchID, msg.UserID)
				}))

			case GetSession:
				snap, ok := l.sessionFor(msg.UserID)
				msg.Reply <- SessionReply{Session: snap, OK: ok}

			case GetState:
				msg.Reply <- View{
					Code:       l.code,
					Version:    l.version,
					NumClients: len(l.clients),
					HostID:     l.hostID,
					Members:    slices.Clone(l.members),
					Tournament: cloneTournament(l.tournament),
				}

			case Shutdown:
				l.shutdown()
				return
			}

			if l.joined && len(l.members) == 0 {
				l.log.Info("lobby empty, closing")
				l.shutdown()
				return
			}
		}
	}
}

func respond(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}

func (l *Lobby) shutdown() {
	for id, o := range l.clients {
		close(o.ch) // Tell client no more updates
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) isMember(userID string) bool {
	return slices.ContainsFunc(l.members, func(p types.Player) bool { return p.ID == userID })
}

func (l *Lobby) join(msg Join) error {
	if msg.UserID == "" {
		return ErrNotMember
	}
	if l.isMember(msg.UserID) {
		l.attach(msg.UserID, msg.Outbox, msg.Evicted)
		l.log.Debug("member reattached", zap.String("user", msg.UserID))
		return nil
	}
	if l.tournament != nil {
		return ErrTournamentRunning
	}
	if len(l.members) >= l.maxPlayers {
		return ErrLobbyFull
	}
	l.members = append(l.members, types.Player{ID: msg.UserID, Name: msg.Name})
	if l.hostID == "" {
		l.hostID = msg.UserID
	}
	l.joined = true
	l.attach(msg.UserID, msg.Outbox, msg.Evicted)
	l.log.Info("member joined", zap.String("user", msg.UserID), zap.Int("members", len(l.members)))
	l.publish(types.MsgLobbyUpdated)
	return nil
}

// attach replaces the member's outbox, closing the one it had.
func (l *Lobby) attach(userID string, out chan Update, evicted chan struct{}) {
	if out == nil {
		return
	}
	if old, ok := l.clients[userID]; ok && old.ch != out {
		close(old.ch)
	}
	l.clients[userID] = outbox{ch: out, evicted: evicted}
}

func (l *Lobby) leave(userID string) error {
	i := slices.IndexFunc(l.members, func(p types.Player) bool { return p.ID == userID })
	if i < 0 {
		return ErrNotMember
	}
	leaver := l.members[i]
	l.members = slices.Delete(l.members, i, i+1)
	if l.hostID == userID {
		l.hostID = ""
		if len(l.members) > 0 {
			l.hostID = l.members[0].ID
		}
	}

	menu := types.NewMenuSnapshot(types.User{ID: leaver.ID, Name: leaver.Name})
	menu.Timestamp = l.clock.Now()
	l.persist(menu)
	if o, ok := l.clients[userID]; ok {
		l.version++
		trySend(o.ch, Update{Type: types.MsgLobbyUpdated, Version: l.version, Session: menu})
		close(o.ch)
		delete(l.clients, userID)
	}
	l.log.Info("member left", zap.String("user", userID), zap.Int("members", len(l.members)))

	if l.tournament != nil {
		withdraw(l.tournament, userID)
		if l.settle(types.MsgForfeitConfirmed) {
			return nil
		}
	}
	if len(l.members) > 0 {
		l.publish(types.MsgLobbyUpdated)
	}
	return nil
}

func (l *Lobby) startTournament(userID string) error {
	if userID != l.hostID {
		return ErrNotHost
	}
	if l.tournament != nil {
		return ErrTournamentRunning
	}
	if len(l.members) < 2 {
		return ErrTooFewPlayers
	}
	t := newTournament(uuid.NewString(), l.code, l.members)
	l.tournament = &t
	l.log.Info("tournament started", zap.String("tournament", t.ID), zap.Int("players", len(t.Players)))
	l.publish(types.MsgTournamentStarted)
	l.announceMatches()
	return nil
}

// decide applies a match outcome and moves the tournament along.
func (l *Lobby) decide(userID, matchID, msgType string, apply func(*types.TournamentState) error) error {
	if l.tournament == nil {
		return ErrNoTournament
	}
	if !l.isMember(userID) {
		return ErrNotMember
	}
	if err := apply(l.tournament); err != nil {
		return err
	}
	l.log.Info("match decided", zap.String("match", matchID), zap.String("by", userID), zap.String("kind", msgType))
	l.settle(msgType)
	return nil
}

// settle advances the bracket after a match was decided, publishing msgType
// and whatever follows from it. It returns true if the tournament finished.
func (l *Lobby) settle(msgType string) bool {
	paired, finished := advance(l.tournament)
	l.publish(msgType)
	switch {
	case finished:
		l.finish()
		return true
	case paired:
		l.log.Info("next round paired", zap.Int("round", l.tournament.Round))
		l.announceMatches()
	}
	return false
}

// finish reports the final bracket and returns everyone to the lobby.
func (l *Lobby) finish() {
	final := l.tournament
	l.tournament = nil
	l.log.Info("tournament completed", zap.String("tournament", final.ID), zap.String("champion", final.ChampionID))

	l.version++
	for _, p := range l.members {
		snap, _ := l.sessionFor(p.ID)
		l.persist(snap)
		snap.TournamentState = cloneTournament(final)
		l.sendTo(p.ID, Update{Type: types.MsgTournamentCompleted, Version: l.version, Session: snap})
	}
}

// announceMatches tells the players of every open match in the current round
// that it is ready.
func (l *Lobby) announceMatches() {
	for _, p := range l.members {
		if _, ok := pendingMatch(l.tournament, p.ID); !ok {
			continue
		}
		snap, _ := l.sessionFor(p.ID)
		l.sendTo(p.ID, Update{Type: types.MsgMatchReady, Version: l.version, Session: snap})
	}
}

// publish bumps the version, writes every member's snapshot through to the
// store and sends it to the members that are connected.
func (l *Lobby) publish(msgType string) {
	l.version++
	for _, p := range l.members {
		snap, _ := l.sessionFor(p.ID)
		l.persist(snap)
		l.sendTo(p.ID, Update{Type: msgType, Version: l.version, Session: snap})
	}
}

func (l *Lobby) sendTo(userID string, u Update) {
	o, ok := l.clients[userID]
	if !ok {
		return
	}
	if !trySend(o.ch, u) {
		// Client is slow/full - drop the connection, keep the member.
		l.log.Warn("dropping slow client", zap.String("user", userID))
		if o.evicted != nil {
			close(o.evicted)
		}
		close(o.ch)
		delete(l.clients, userID)
	}
}

// outbox is one member's live connection.
type outbox struct {
	ch      chan Update
	evicted chan struct{}
}

func trySend(ch chan Update, u Update) bool {
	select {
	case ch <- u:
		return true
	default:
		return false
	}
}

func (l *Lobby) persist(snap types.SessionSnapshot) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, persistTimeout)
	defer cancel()
	if err := l.store.Put(ctx, snap); err != nil {
		l.log.Warn("persist snapshot failed", zap.String("user", snap.User.ID), zap.Error(err))
	}
}
