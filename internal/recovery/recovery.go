// Package recovery restores a client's session after a reconnect, preferring
// the server's authoritative view and falling back to the persisted snapshot.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/store"
	"github.com/DoyleJ11/tenebris-backend/internal/transport"
	itypes "github.com/DoyleJ11/tenebris-backend/internal/types"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

const DefaultRequestTimeout = 5 * time.Second

var ErrInvalidServerState = errors.New("server returned an invalid session")
var ErrNoLocalSession = errors.New("no persisted session")
var ErrInvalidLocalState = errors.New("persisted session is invalid")
var ErrRecoveryBusy = errors.New("recovery already in progress")

// Result is reported to recovery subscribers. A result with FallbackToMenu set
// means the session is gone and the client is back at the menu.
type Result struct {
	Success        bool
	RecoveredState *types.SessionSnapshot
	Error          string
	FallbackToMenu bool
	// LocalOnly marks a success restored from the local snapshot without
	// server confirmation.
	LocalOnly bool
}

// Live is the application's in-memory session, normally *engine.Machine.
type Live interface {
	Snapshot() types.SessionSnapshot
	Replace(snap types.SessionSnapshot) error
	ResetToMenu()
	BeginRecovery() bool
	EndRecovery()
}

// StateFetcher asks the server for the authoritative snapshot of a user.
type StateFetcher interface {
	FetchSessionState(ctx context.Context, current types.SessionSnapshot) (types.SessionSnapshot, error)
}

// Coordinator runs one recovery procedure at a time.
type Coordinator struct {
	fetcher StateFetcher
	live    Live
	store   store.SessionStore
	timeout time.Duration
	log     *zap.Logger
}

func NewCoordinator(fetcher StateFetcher, live Live, st store.SessionStore, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		fetcher: fetcher,
		live:    live,
		store:   st,
		timeout: DefaultRequestTimeout,
		log:     log,
	}
}

// SetRequestTimeout bounds the server round trip.
func (c *Coordinator) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// AttemptSessionRecovery fetches, validates and applies the server's state,
// falling back to the persisted snapshot once if that fails.
func (c *Coordinator) AttemptSessionRecovery(ctx context.Context) Result {
	if !c.live.BeginRecovery() {
		return Result{Error: ErrRecoveryBusy.Error()}
	}
	defer c.live.EndRecovery()

	current := c.live.Snapshot()
	log := c.log.With(zap.String("user", current.User.ID))

	snap, err := c.fetch(ctx, current)
	if err == nil {
		if err = c.apply(snap); err == nil {
			log.Info("session recovered from server", zap.String("phase", string(snap.GameSession.CurrentState)))
			return Result{Success: true, RecoveredState: &snap}
		}
	}
	log.Warn("server recovery failed, trying local snapshot", zap.Error(err))
	return c.attemptFallbackRecovery(err)
}

func (c *Coordinator) fetch(ctx context.Context, current types.SessionSnapshot) (types.SessionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	snap, err := c.fetcher.FetchSessionState(ctx, current)
	if err != nil {
		return types.SessionSnapshot{}, fmt.Errorf("fetch session state: %w", err)
	}
	if res := types.Validate(&snap); !res.IsValid {
		return types.SessionSnapshot{}, fmt.Errorf("%w: %s", ErrInvalidServerState, strings.Join(res.Errors, "; "))
	}
	return snap, nil
}

func (c *Coordinator) apply(snap types.SessionSnapshot) error {
	if err := c.live.Replace(snap); err != nil {
		return err
	}
	if err := c.store.Save(snap); err != nil {
		c.log.Warn("persist recovered session failed", zap.Error(err))
	}
	return nil
}

// attemptFallbackRecovery restores the persisted snapshot without server
// confirmation. When that is missing or invalid all persisted state is cleared
// and the session returns to the menu.
func (c *Coordinator) attemptFallbackRecovery(cause error) Result {
	snap, ok, err := c.store.Load()
	switch {
	case err != nil:
		err = fmt.Errorf("load persisted session: %w", err)
	case !ok:
		err = ErrNoLocalSession
	default:
		if res := types.Validate(&snap); !res.IsValid {
			err = fmt.Errorf("%w: %s", ErrInvalidLocalState, strings.Join(res.Errors, "; "))
		} else {
			err = c.live.Replace(snap)
		}
	}
	if err == nil {
		c.log.Info("session recovered from local snapshot", zap.NamedError("server_error", cause))
		return Result{Success: true, RecoveredState: &snap, LocalOnly: true}
	}

	c.log.Warn("local recovery failed, returning to menu", zap.Error(err))
	if clearErr := c.store.Clear(store.ScopeAll); clearErr != nil {
		c.log.Warn("clear persisted session failed", zap.Error(clearErr))
	}
	c.live.ResetToMenu()
	msg := err.Error()
	if cause != nil {
		msg = cause.Error() + "; " + msg
	}
	return Result{Error: msg, FallbackToMenu: true}
}

// ServerFetcher requests state over a transport.Requester.
type ServerFetcher struct {
	Requester transport.Requester
}

func (f ServerFetcher) FetchSessionState(ctx context.Context, _ types.SessionSnapshot) (types.SessionSnapshot, error) {
	reply, err := f.Requester.Request(ctx, itypes.Envelope{Type: types.MsgRequestState})
	if err != nil {
		return types.SessionSnapshot{}, err
	}
	if reply.Type != types.MsgSessionState {
		return types.SessionSnapshot{}, fmt.Errorf("unexpected reply %q", reply.Type)
	}
	var snap types.SessionSnapshot
	if err := reply.Decode(&snap); err != nil {
		return types.SessionSnapshot{}, fmt.Errorf("decode session state: %w", err)
	}
	return snap, nil
}
