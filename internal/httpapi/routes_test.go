package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tenebris-backend/internal/engine"
	"github.com/DoyleJ11/tenebris-backend/internal/hub"
	"github.com/DoyleJ11/tenebris-backend/internal/recovery"
	"github.com/DoyleJ11/tenebris-backend/internal/store"
	"github.com/DoyleJ11/tenebris-backend/internal/store/pgstore"
	"github.com/DoyleJ11/tenebris-backend/internal/transport"
	itypes "github.com/DoyleJ11/tenebris-backend/internal/types"
	"github.com/DoyleJ11/tenebris-backend/internal/ws"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

func newServer(t *testing.T, opts ...ws.Option) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx, hub.Config{Store: pgstore.NewMemory()})
	srv := httptest.NewServer(SetupRoutes(h, nil, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func createLobby(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	res, err := http.Post(srv.URL+"/lobbies", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body.Code, 6)
	return body.Code
}

// dial connects a client transport for userID and waits until it is up.
func dial(t *testing.T, srv *httptest.Server, userID string) (*transport.WebSocket, <-chan itypes.Envelope) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + userID + "&name=" + userID
	ws := transport.NewWebSocket(url, 2*time.Second, nil)
	connected := make(chan struct{}, 1)
	ws.OnConnected(func() { connected <- struct{}{} })
	updates := make(chan itypes.Envelope, 16)
	ws.Subscribe(types.MsgLobbyUpdated, func(env itypes.Envelope) { updates <- env })
	ws.Connect()
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s never connected", userID)
	}
	t.Cleanup(ws.Disconnect)
	return ws, updates
}

func decodeSession(t *testing.T, env itypes.Envelope) types.SessionSnapshot {
	t.Helper()
	var snap types.SessionSnapshot
	require.NoError(t, env.Decode(&snap))
	return snap
}

func TestRoutes_HealthzAndBadUpgrade(t *testing.T) {
	srv := newServer(t)
	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRoutes_JoinReconnectAndRecover(t *testing.T) {
	srv := newServer(t)
	code := createLobby(t, srv)
	ctx := context.Background()

	first, updates := dial(t, srv, "u1")
	join, err := itypes.NewEnvelope(types.MsgJoinLobby, itypes.JoinLobby{Code: code})
	require.NoError(t, err)
	require.NoError(t, first.Send(ctx, join))

	select {
	case env := <-updates:
		snap := decodeSession(t, env)
		require.Equal(t, types.PhaseLobby, snap.GameSession.CurrentState)
		require.Equal(t, code, snap.GameSession.LobbyID)
	case <-time.After(2 * time.Second):
		t.Fatalf("no lobby_updated after join")
	}
	first.Disconnect()

	// A fresh connection for the same user recovers the lobby from the server.
	second, _ := dial(t, srv, "u1")
	user := types.User{ID: "u1", Name: "u1"}
	m := engine.NewMachine(types.NewMenuSnapshot(user), nil, nil)
	res := recovery.NewCoordinator(recovery.ServerFetcher{Requester: second}, m, store.NewMemory(), nil).
		AttemptSessionRecovery(ctx)
	require.True(t, res.Success, res.Error)
	require.False(t, res.LocalOnly)
	require.Equal(t, types.PhaseLobby, m.Phase())
	require.Equal(t, code, m.Snapshot().GameSession.LobbyID)

	res2, err := http.Get(srv.URL + "/sessions/u1")
	require.NoError(t, err)
	var snap types.SessionSnapshot
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&snap))
	res2.Body.Close()
	require.Equal(t, code, snap.GameSession.LobbyID)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/u1", nil)
	require.NoError(t, err)
	res3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res3.Body.Close()
	require.Equal(t, http.StatusConflict, res3.StatusCode)
}

func TestRoutes_UnknownUserIsAtMenu(t *testing.T) {
	srv := newServer(t)
	res, err := http.Get(srv.URL + "/sessions/nobody")
	require.NoError(t, err)
	defer res.Body.Close()
	var snap types.SessionSnapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.Equal(t, types.PhaseMenu, snap.GameSession.CurrentState)
	require.Equal(t, "nobody", snap.User.ID)
}

func TestRoutes_ErrorsCarryRequestID(t *testing.T) {
	srv := newServer(t)
	ws, _ := dial(t, srv, "u9")
	_, err := ws.Request(context.Background(), itypes.Envelope{Type: types.MsgStartTournament})
	require.ErrorIs(t, err, transport.ErrRemote)
	require.Contains(t, err.Error(), "not in a lobby")

	join, _ := itypes.NewEnvelope(types.MsgJoinLobby, itypes.JoinLobby{Code: "NOPE00"})
	_, err = ws.Request(context.Background(), join)
	require.ErrorIs(t, err, transport.ErrRemote)
}

func TestRoutes_SlowClientIsDisconnectedAndCanResume(t *testing.T) {
	// With no queue the first broadcast after a join finds the connection
	// not yet listening, so the lobby evicts it.
	srv := newServer(t, ws.WithOutboxSize(0))
	code := createLobby(t, srv)
	ctx := context.Background()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=ana&name=ana"
	client := transport.NewWebSocket(url, 2*time.Second, nil)
	connected := make(chan struct{}, 1)
	dropped := make(chan error, 1)
	client.OnConnected(func() { connected <- struct{}{} })
	client.OnDisconnected(func(err error) { dropped <- err })
	client.Connect()
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("never connected")
	}
	t.Cleanup(client.Disconnect)

	join, err := itypes.NewEnvelope(types.MsgJoinLobby, itypes.JoinLobby{Code: code})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, join))

	select {
	case err := <-dropped:
		require.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
	case <-time.After(2 * time.Second):
		t.Fatalf("evicted connection was left open")
	}

	// Membership survives, so a new connection resumes the lobby.
	require.Eventually(t, func() bool {
		res, err := http.Get(srv.URL + "/sessions/ana")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var snap types.SessionSnapshot
		return json.NewDecoder(res.Body).Decode(&snap) == nil && snap.GameSession.LobbyID == code
	}, 2*time.Second, 10*time.Millisecond)
	again, _ := dial(t, srv, "ana")
	reply, err := again.Request(ctx, itypes.Envelope{Type: types.MsgRequestState})
	require.NoError(t, err)
	snap := decodeSession(t, reply)
	require.Equal(t, types.PhaseLobby, snap.GameSession.CurrentState)
	require.Equal(t, code, snap.GameSession.LobbyID)
}
