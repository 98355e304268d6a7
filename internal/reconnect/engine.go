// Package reconnect detects connection loss, retries with jittered
// exponential backoff and hands off to session recovery once reconnected.
package reconnect

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/clock"
	"github.com/DoyleJ11/tenebris-backend/internal/notify"
	"github.com/DoyleJ11/tenebris-backend/internal/recovery"
	"github.com/DoyleJ11/tenebris-backend/internal/transport"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

// ConnectTimeout bounds a single connect attempt.
const ConnectTimeout = 10 * time.Second

var ErrMaxAttempts = errors.New("max attempts")
var ErrConnectTimeout = errors.New("connection attempt timed out")

// State is the engine's retry bookkeeping. Callers only ever see copies.
type State struct {
	IsReconnecting bool
	AttemptCount   int
	NextAttemptIn  time.Duration
	LastError      string
	ConnectionLost time.Time
}

type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusReconnecting   Status = "reconnecting"
	StatusConnected      Status = "connected"
	StatusRecovering     Status = "recovering"
	StatusRecovered      Status = "recovered"
	StatusRecoveryFailed Status = "recovery_failed"
	StatusExhausted      Status = "exhausted"
	StatusStopped        Status = "stopped"
)

// Change is published on every connection state transition.
type Change struct {
	Status      Status
	State       State
	MaxAttempts int
}

// Recoverer is the session recovery step run after a reconnect.
type Recoverer interface {
	AttemptSessionRecovery(ctx context.Context) recovery.Result
}

// SessionView exposes the live session so the engine can tell whether
// there is anything to recover.
type SessionView interface {
	Snapshot() types.SessionSnapshot
}

// Engine owns the reconnection state and its timers. All timers carry a
// generation; a fire whose generation is stale is ignored, which keeps
// attempts strictly sequential.
type Engine struct {
	mu           sync.Mutex
	clock        clock.Clock
	jitter       func() float64
	spawn        func(func())
	log          *zap.Logger
	policy       Policy
	channel      transport.Channel
	recoverer    Recoverer
	session      SessionView
	state        State
	connected    bool
	recovering   bool
	gen          uint64
	retryTimer   clock.Timer
	connectTimer clock.Timer
	destroyed    bool
	ctx          context.Context
	cancel       context.CancelFunc

	recoveries *notify.Fanout[recovery.Result]
	changes    *notify.Fanout[Change]
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithJitter overrides the jitter source; fn must return values in [-1, 1].
func WithJitter(fn func() float64) Option { return func(e *Engine) { e.jitter = fn } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithSpawn controls how recovery is run; the default is a new goroutine.
func WithSpawn(fn func(func())) Option { return func(e *Engine) { e.spawn = fn } }

func New(recoverer Recoverer, session SessionView, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		clock:     clock.Real(),
		jitter:    func() float64 { return rand.Float64()*2 - 1 },
		spawn:     func(f func()) { go f() },
		log:       zap.NewNop(),
		policy:    DefaultPolicy(),
		recoverer: recoverer,
		session:   session,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recoveries = notify.New[recovery.Result]("recovery", e.log)
	e.changes = notify.New[Change]("connection", e.log)
	return e
}

// Initialize binds the engine to ch. Calling it again rebinds to the new
// channel and drops any timers armed for the old one.
func (e *Engine) Initialize(ch transport.Channel) {
	e.mu.Lock()
	e.stopTimersLocked()
	e.channel = ch
	e.mu.Unlock()

	ch.OnConnected(func() { e.handleConnected(ch) })
	ch.OnDisconnected(func(err error) { e.handleDisconnected(ch, err) })
	ch.OnError(func(err error) { e.handleError(ch, err) })
}

// Configure replaces the retry policy; zero fields keep their defaults.
func (e *Engine) Configure(p Policy) {
	e.mu.Lock()
	e.policy = p.normalized()
	e.mu.Unlock()
}

func (e *Engine) Policy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) OnRecovery(fn func(recovery.Result)) func() {
	return e.recoveries.Subscribe(fn)
}

func (e *Engine) OnConnectionStateChange(fn func(Change)) func() {
	return e.changes.Subscribe(fn)
}

// ShouldAttemptRecovery is true when there is a user and a session that is
// not sitting at the menu.
func (e *Engine) ShouldAttemptRecovery() bool {
	if e.session == nil {
		return false
	}
	snap := e.session.Snapshot()
	return snap.User.ID != "" && snap.GameSession.UserID != "" && !snap.GameSession.CurrentState.Idle()
}

// ForceReconnect starts a fresh episode at attempt 1, cancelling anything pending.
func (e *Engine) ForceReconnect() {
	e.mu.Lock()
	if e.destroyed || e.channel == nil {
		e.mu.Unlock()
		return
	}
	e.stopTimersLocked()
	e.state.IsReconnecting = true
	e.state.AttemptCount = 0
	if e.state.ConnectionLost.IsZero() {
		e.state.ConnectionLost = e.clock.Now()
	}
	e.log.Info("forced reconnect")
	emit := e.attemptLocked()
	e.mu.Unlock()
	emit()
}

// StopReconnection cancels the pending attempt and leaves the reconnecting state.
func (e *Engine) StopReconnection() {
	e.mu.Lock()
	e.stopTimersLocked()
	was := e.state.IsReconnecting
	e.state.IsReconnecting = false
	e.state.NextAttemptIn = 0
	change := e.changeLocked(StatusStopped)
	e.mu.Unlock()
	if was {
		e.changes.Publish(change)
	}
}

// Destroy stops every timer and drops every subscriber. The engine is inert afterwards.
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.stopTimersLocked()
	e.destroyed = true
	e.state.IsReconnecting = false
	e.mu.Unlock()
	e.cancel()
	e.recoveries.Clear()
	e.changes.Clear()
}

func (e *Engine) current(ch transport.Channel) bool {
	return !e.destroyed && e.channel == ch
}

func (e *Engine) handleDisconnected(ch transport.Channel, err error) {
	e.mu.Lock()
	if !e.current(ch) {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.state.LastError = err.Error()
	}
	if !e.connected && e.state.IsReconnecting {
		// The in-flight attempt died before it connected.
		emit := e.failAttemptLocked()
		e.mu.Unlock()
		emit()
		return
	}
	e.connected = false
	e.log.Warn("connection lost", zap.Error(err))
	emit := e.beginEpisodeLocked()
	e.mu.Unlock()
	emit()
}

func (e *Engine) handleError(ch transport.Channel, err error) {
	e.mu.Lock()
	if !e.current(ch) {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.state.LastError = err.Error()
	}
	if e.state.IsReconnecting {
		emit := e.failAttemptLocked()
		e.mu.Unlock()
		emit()
		return
	}
	e.connected = false
	e.log.Warn("connection error", zap.Error(err))
	emit := e.beginEpisodeLocked()
	e.mu.Unlock()
	emit()
}

func (e *Engine) beginEpisodeLocked() func() {
	e.stopTimersLocked()
	e.state.ConnectionLost = e.clock.Now()
	e.state.IsReconnecting = true
	e.state.AttemptCount = 0
	disconnected := e.changeLocked(StatusDisconnected)
	next := e.attemptLocked()
	return func() {
		e.changes.Publish(disconnected)
		next()
	}
}

// failAttemptLocked ends an in-flight connect attempt early. Between attempts
// (retry timer pending) there is nothing in flight and the error only gets recorded.
func (e *Engine) failAttemptLocked() func() {
	if e.connectTimer == nil {
		return func() {}
	}
	e.log.Debug("attempt failed", zap.Int("attempt", e.state.AttemptCount), zap.String("err", e.state.LastError))
	return e.attemptLocked()
}

// attemptLocked either schedules the next attempt or ends the episode. The
// returned func publishes notifications and must run after unlocking.
func (e *Engine) attemptLocked() func() {
	e.stopTimersLocked()
	p := e.policy
	if e.state.AttemptCount >= p.MaxAttempts {
		e.state.IsReconnecting = false
		e.state.NextAttemptIn = 0
		e.state.LastError = ErrMaxAttempts.Error()
		e.log.Warn("reconnection gave up", zap.Int("attempts", e.state.AttemptCount))
		change := e.changeLocked(StatusExhausted)
		res := recovery.Result{Error: ErrMaxAttempts.Error(), FallbackToMenu: true}
		return func() {
			e.changes.Publish(change)
			e.recoveries.Publish(res)
		}
	}

	e.state.AttemptCount++
	delay := p.Delay(e.state.AttemptCount, e.jitter())
	e.state.NextAttemptIn = delay
	gen := e.gen
	e.retryTimer = e.clock.AfterFunc(delay, func() { e.fireAttempt(gen) })
	e.log.Info("reconnect scheduled",
		zap.Int("attempt", e.state.AttemptCount),
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Duration("delay", delay))
	change := e.changeLocked(StatusReconnecting)
	return func() { e.changes.Publish(change) }
}

func (e *Engine) fireAttempt(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.destroyed || !e.state.IsReconnecting {
		e.mu.Unlock()
		return
	}
	e.retryTimer = nil
	e.state.NextAttemptIn = 0
	e.connectTimer = e.clock.AfterFunc(ConnectTimeout, func() { e.connectTimedOut(gen) })
	ch := e.channel
	e.mu.Unlock()

	ch.Connect()
}

func (e *Engine) connectTimedOut(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.destroyed || !e.state.IsReconnecting {
		e.mu.Unlock()
		return
	}
	e.connectTimer = nil
	e.state.LastError = ErrConnectTimeout.Error()
	e.log.Warn("connect attempt timed out", zap.Int("attempt", e.state.AttemptCount))
	emit := e.attemptLocked()
	e.mu.Unlock()
	emit()
}

func (e *Engine) handleConnected(ch transport.Channel) {
	should := e.ShouldAttemptRecovery()

	e.mu.Lock()
	if !e.current(ch) {
		e.mu.Unlock()
		return
	}
	e.stopTimersLocked()
	e.connected = true
	e.state = State{}
	e.log.Info("connected", zap.Bool("recover", should))

	if !should {
		change := e.changeLocked(StatusConnected)
		e.mu.Unlock()
		e.changes.Publish(change)
		e.recoveries.Publish(recovery.Result{Success: true})
		return
	}
	if e.recovering {
		change := e.changeLocked(StatusConnected)
		e.mu.Unlock()
		e.changes.Publish(change)
		return
	}
	e.recovering = true
	change := e.changeLocked(StatusRecovering)
	ctx := e.ctx
	e.mu.Unlock()

	e.changes.Publish(change)
	e.spawn(func() { e.runRecovery(ctx) })
}

func (e *Engine) runRecovery(ctx context.Context) {
	res := e.recoverer.AttemptSessionRecovery(ctx)

	e.mu.Lock()
	e.recovering = false
	status := StatusRecovered
	if !res.Success {
		status = StatusRecoveryFailed
		e.state.LastError = res.Error
	}
	change := e.changeLocked(status)
	destroyed := e.destroyed
	e.mu.Unlock()

	if destroyed {
		return
	}
	e.changes.Publish(change)
	e.recoveries.Publish(res)
}

// stopTimersLocked cancels both timers and invalidates any fire already in flight.
func (e *Engine) stopTimersLocked() {
	e.gen++
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
}

func (e *Engine) changeLocked(s Status) Change {
	return Change{Status: s, State: e.state, MaxAttempts: e.policy.MaxAttempts}
}
