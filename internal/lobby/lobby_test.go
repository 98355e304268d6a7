package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tenebris-backend/internal/store/pgstore"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

// helper: receive one update with a timeout so tests never hang
func recvUpdate(t *testing.T, ch <-chan Update, within time.Duration) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return u
	case <-time.After(within):
		t.Fatalf("timed out waiting for update")
		return Update{} // unreachable
	}
}

// drain returns every update already queued on ch.
func drain(ch <-chan Update) []Update {
	var out []Update
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

func kinds(us []Update) []string {
	var out []string
	for _, u := range us {
		out = append(out, u.Type)
	}
	return out
}

func recvClosed(t *testing.T, ch <-chan Update, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("outbox was not closed within %v", within)
		}
	}
}

func view(t *testing.T, l *Lobby) View {
	t.Helper()
	reply := make(chan View, 1)
	v, err := Do(context.Background(), l, GetState{Reply: reply}, reply)
	require.NoError(t, err)
	return v
}

type fixture struct {
	lobby *Lobby
	store *pgstore.Memory
	out   map[string]chan Update
}

func newFixture(t *testing.T, maxPlayers int) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	st := pgstore.NewMemory()
	return &fixture{
		lobby: NewLobby(ctx, Config{Code: "ABC123", MaxPlayers: maxPlayers, Store: st}),
		store: st,
		out:   make(map[string]chan Update),
	}
}

func (f *fixture) join(t *testing.T, id string) error {
	t.Helper()
	out := make(chan Update, 16)
	f.out[id] = out
	reply := make(chan error, 1)
	return Call(context.Background(), f.lobby, Join{UserID: id, Name: "name-" + id, Outbox: out, Reply: reply}, reply)
}

func (f *fixture) call(t *testing.T, m Msg) error {
	t.Helper()
	var reply chan error
	switch msg := m.(type) {
	case Leave:
		reply = make(chan error, 1)
		msg.Reply = reply
		m = msg
	case StartTournament:
		reply = make(chan error, 1)
		msg.Reply = reply
		m = msg
	case ReportResult:
		reply = make(chan error, 1)
		msg.Reply = reply
		m = msg
	case Forfeit:
		reply = make(chan error, 1)
		msg.Reply = reply
		m = msg
	}
	return Call(context.Background(), f.lobby, m, reply)
}

func (f *fixture) session(t *testing.T, id string) (types.SessionSnapshot, bool) {
	t.Helper()
	reply := make(chan SessionReply, 1)
	r, err := Do(context.Background(), f.lobby, GetSession{UserID: id, Reply: reply}, reply)
	require.NoError(t, err)
	return r.Session, r.OK
}

func TestLobby_Join_BroadcastsAndVersionIncrements(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.join(t, "u1"))

	first := recvUpdate(t, f.out["u1"], 100*time.Millisecond)
	require.Equal(t, types.MsgLobbyUpdated, first.Type)
	require.Equal(t, 1, first.Version)
	require.Equal(t, types.PhaseLobby, first.Session.GameSession.CurrentState)
	require.Equal(t, "u1", first.Session.LobbyState.HostID)
	require.True(t, types.Validate(&first.Session).IsValid)

	require.NoError(t, f.join(t, "u2"))
	next := recvUpdate(t, f.out["u1"], 100*time.Millisecond)
	require.Equal(t, 2, next.Version)
	require.Len(t, next.Session.LobbyState.Members, 2)

	stored, err := f.store.Get(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, "ABC123", stored.GameSession.LobbyID)
}

func TestLobby_DropSlowClient(t *testing.T) {
	f := newFixture(t, 0)
	slow := make(chan Update, 1)
	evicted := make(chan struct{})
	reply := make(chan error, 1)
	require.NoError(t, Call(context.Background(), f.lobby, Join{UserID: "u1", Outbox: slow, Evicted: evicted, Reply: reply}, reply))
	require.NoError(t, f.join(t, "u2"))
	require.NoError(t, f.join(t, "u3"))

	v := view(t, f.lobby)
	require.Equal(t, 2, v.NumClients, "slow client dropped")
	require.Len(t, v.Members, 3, "membership survives a dropped connection")
	recvClosed(t, slow, 100*time.Millisecond)
	select {
	case <-evicted:
	default:
		t.Fatalf("slow connection was not told it was evicted")
	}
}

func TestLobby_FullAndNonMemberErrors(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.join(t, "u1"))
	require.NoError(t, f.join(t, "u2"))
	require.ErrorIs(t, f.join(t, "u3"), ErrLobbyFull)
	require.ErrorIs(t, f.call(t, Leave{UserID: "nobody"}), ErrNotMember)
	require.ErrorIs(t, f.call(t, ReportResult{UserID: "u1", MatchID: "m"}), ErrNoTournament)

	_, ok := f.session(t, "nobody")
	require.False(t, ok)
}

func TestLobby_ReattachReplacesOutboxSilently(t *testing.T) {
	f := newFixture(t, 0)
	old := make(chan Update, 16)
	oldEvicted := make(chan struct{})
	reply := make(chan error, 1)
	require.NoError(t, Call(context.Background(), f.lobby, Join{UserID: "u1", Outbox: old, Evicted: oldEvicted, Reply: reply}, reply))
	drain(old)

	require.NoError(t, f.join(t, "u1"))
	recvClosed(t, old, 100*time.Millisecond)
	select {
	case <-oldEvicted:
		t.Fatalf("a takeover must not look like an eviction")
	default:
	}
	require.Empty(t, drain(f.out["u1"]))
	v := view(t, f.lobby)
	require.Len(t, v.Members, 1)
	require.Equal(t, 1, v.Version)

	// A late detach from the old connection must not drop the new one.
	require.NoError(t, f.lobby.Send(context.Background(), Detach{UserID: "u1", Outbox: old}))
	require.Equal(t, 1, view(t, f.lobby).NumClients)
}

func TestLobby_Tournament_ByeRoundsAndChampion(t *testing.T) {
	f := newFixture(t, 0)
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, f.join(t, id))
	}
	for _, ch := range f.out {
		drain(ch)
	}

	require.ErrorIs(t, f.call(t, StartTournament{UserID: "u2"}), ErrNotHost)
	require.NoError(t, f.call(t, StartTournament{UserID: "u1"}))
	require.ErrorIs(t, f.call(t, StartTournament{UserID: "u1"}), ErrTournamentRunning)

	assert.Equal(t, []string{types.MsgTournamentStarted, types.MsgMatchReady}, kinds(drain(f.out["u1"])))
	assert.Equal(t, []string{types.MsgTournamentStarted, types.MsgMatchReady}, kinds(drain(f.out["u2"])))
	assert.Equal(t, []string{types.MsgTournamentStarted}, kinds(drain(f.out["u3"])))

	s1, _ := f.session(t, "u1")
	require.Equal(t, types.PhaseMatch, s1.GameSession.CurrentState)
	require.Equal(t, "u2", s1.GameSession.OpponentID)
	s3, _ := f.session(t, "u3")
	require.Equal(t, types.PhaseTournament, s3.GameSession.CurrentState, "bye waits for the next round")

	r1 := s1.GameSession.MatchID
	require.ErrorIs(t, f.call(t, ReportResult{UserID: "u3", MatchID: r1, WinnerID: "u3"}), ErrNotInMatch)
	require.ErrorIs(t, f.call(t, ReportResult{UserID: "u1", MatchID: r1, WinnerID: "u3"}), ErrBadWinner)
	require.NoError(t, f.call(t, ReportResult{UserID: "u2", MatchID: r1, WinnerID: "u1"}))
	require.ErrorIs(t, f.call(t, ReportResult{UserID: "u1", MatchID: r1, WinnerID: "u1"}), ErrMatchClosed)

	assert.Equal(t, []string{types.MsgMatchCompleted, types.MsgMatchReady}, kinds(drain(f.out["u1"])))
	assert.Equal(t, []string{types.MsgMatchCompleted}, kinds(drain(f.out["u2"])))
	assert.Equal(t, []string{types.MsgMatchCompleted, types.MsgMatchReady}, kinds(drain(f.out["u3"])))

	s2, _ := f.session(t, "u2")
	require.Equal(t, types.PhaseSpectator, s2.GameSession.CurrentState)
	s3, _ = f.session(t, "u3")
	require.Equal(t, types.PhaseMatch, s3.GameSession.CurrentState)
	require.Equal(t, "u1", s3.GameSession.OpponentID)

	require.NoError(t, f.call(t, Forfeit{UserID: "u3", MatchID: s3.GameSession.MatchID}))
	u1 := drain(f.out["u1"])
	require.Equal(t, []string{types.MsgForfeitConfirmed, types.MsgTournamentCompleted}, kinds(u1))
	done := u1[1].Session
	require.Equal(t, types.PhaseLobby, done.GameSession.CurrentState)
	require.Equal(t, "u1", done.TournamentState.ChampionID)

	v := view(t, f.lobby)
	require.Nil(t, v.Tournament)
	stored, err := f.store.Get(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, types.PhaseLobby, stored.GameSession.CurrentState)
	require.Nil(t, stored.TournamentState)
}

func TestLobby_LeaveDuringTournamentForfeits(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.join(t, "u1"))
	require.NoError(t, f.join(t, "u2"))
	require.NoError(t, f.call(t, StartTournament{UserID: "u1"}))
	drain(f.out["u1"])

	require.NoError(t, f.call(t, Leave{UserID: "u2"}))
	got := drain(f.out["u1"])
	require.Equal(t, []string{types.MsgForfeitConfirmed, types.MsgTournamentCompleted}, kinds(got))
	require.Equal(t, "u1", got[1].Session.TournamentState.ChampionID)

	left, err := f.store.Get(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, types.PhaseMenu, left.GameSession.CurrentState)
}

func TestLobby_LeaveReassignsHostAndEmptyLobbyCloses(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.join(t, "u1"))
	require.NoError(t, f.join(t, "u2"))

	require.NoError(t, f.call(t, Leave{UserID: "u1"}))
	left := drain(f.out["u1"])
	require.NotEmpty(t, left)
	require.Equal(t, types.PhaseMenu, left[len(left)-1].Session.GameSession.CurrentState)
	recvClosed(t, f.out["u1"], 100*time.Millisecond)
	require.Equal(t, "u2", view(t, f.lobby).HostID)

	require.NoError(t, f.call(t, Leave{UserID: "u2"}))
	select {
	case <-f.lobby.Done():
	case <-time.After(time.Second):
		t.Fatalf("empty lobby did not close")
	}
	require.ErrorIs(t, f.lobby.Send(context.Background(), GetState{Reply: make(chan View, 1)}), ErrClosed)
}

func TestLobby_Shutdown_ClosesOutboxes(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.join(t, "u1"))
	require.NoError(t, f.lobby.Send(context.Background(), Shutdown{}))
	recvClosed(t, f.out["u1"], 500*time.Millisecond)
	<-f.lobby.Done()
}
