// Package tabs keeps several clients of one session from driving it at once.
// Each tab heartbeats a record into a shared Registry; when two foreground tabs
// are both in an active phase the newer one keeps control and the older one
// either spectates or is logged out.
package tabs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/clock"
	"github.com/DoyleJ11/tenebris-backend/internal/notify"
	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

const (
	HeartbeatInterval = 5 * time.Second
	RecordTTL         = 15 * time.Second
	RefreshWindow     = 5 * time.Second

	tabKeyPrefix = "tabs/"
	conflictKey  = "conflict"
	unloadKey    = "unload_marker"
)

// Record is one tab's entry in the registry. CreatedAt (unix ms) orders tabs;
// TabID breaks ties.
type Record struct {
	TabID         string      `json:"tab_id"`
	CreatedAt     int64       `json:"created_at"`
	LastHeartbeat int64       `json:"last_heartbeat"`
	IsForeground  bool        `json:"is_foreground"`
	SessionPhase  types.Phase `json:"session_phase"`
}

// newerThan reports whether r was created after o.
func (r Record) newerThan(o Record) bool {
	if r.CreatedAt != o.CreatedAt {
		return r.CreatedAt > o.CreatedAt
	}
	return r.TabID > o.TabID
}

type Action string

const (
	ActionTakeControl     Action = "take_control"
	ActionBecomeSpectator Action = "become_spectator"
	ActionForceLogout     Action = "force_logout"
)

// Resolution is the outcome of a conflict check, seen from FromTab.
type Resolution struct {
	Action         Action `json:"action"`
	Reason         string `json:"reason"`
	ConflictingTab string `json:"conflicting_tab"`
	FromTab        string `json:"from_tab"`
	At             int64  `json:"at"`
}

// Stats summarises the registry from this tab's point of view.
type Stats struct {
	TabID      string
	Total      int
	Active     int
	Foreground int
	IsMaster   bool
}

// Session is the part of the live session a tab may change when it loses.
type Session interface {
	Phase() types.Phase
	BecomeSpectator() error
	Logout() error
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(t *Coordinator) { t.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(t *Coordinator) { t.log = l } }

// WithIdentity fixes the tab id and creation time instead of generating them.
func WithIdentity(tabID string, createdAt time.Time) Option {
	return func(t *Coordinator) {
		t.self.TabID = tabID
		t.self.CreatedAt = createdAt.UnixMilli()
	}
}

type Coordinator struct {
	mu          sync.Mutex
	clock       clock.Clock
	log         *zap.Logger
	registry    Registry
	session     Session
	self        Record
	foreground  bool
	intentional bool
	started     bool
	destroyed   bool
	gen         uint64
	heartbeat   clock.Timer
	unwatch     func()

	spectator *notify.Fanout[Resolution]
	logout    *notify.Fanout[Resolution]
}

func New(registry Registry, session Session, opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:      clock.Real(),
		log:        zap.NewNop(),
		registry:   registry,
		session:    session,
		foreground: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.self.TabID == "" {
		now := c.clock.Now()
		c.self.CreatedAt = now.UnixMilli()
		c.self.TabID = newTabID(now)
	}
	c.log = c.log.With(zap.String("tab", c.self.TabID))
	c.spectator = notify.New[Resolution]("spectator-switch", c.log)
	c.logout = notify.New[Resolution]("forced-logout", c.log)
	return c
}

func newTabID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return "tab_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}

func (c *Coordinator) TabID() string { return c.self.TabID }

// Initialize registers this tab, starts the heartbeat, watches the registry
// and runs a first conflict check.
func (c *Coordinator) Initialize() error {
	c.mu.Lock()
	if c.started || c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.unwatchSet(c.registry.Watch(c.observe))
	if err := c.writeRecord(); err != nil {
		return fmt.Errorf("register tab: %w", err)
	}
	c.scheduleHeartbeat()
	c.log.Info("tab registered")
	c.CheckConflicts()
	return nil
}

func (c *Coordinator) unwatchSet(fn func()) {
	c.mu.Lock()
	c.unwatch = fn
	c.mu.Unlock()
}

func (c *Coordinator) scheduleHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.gen++
	gen := c.gen
	c.heartbeat = c.clock.AfterFunc(HeartbeatInterval, func() { c.beat(gen) })
}

func (c *Coordinator) beat(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen || c.destroyed
	c.mu.Unlock()
	if stale {
		return
	}
	if err := c.writeRecord(); err != nil {
		c.log.Warn("heartbeat write failed", zap.Error(err))
	}
	c.CheckConflicts()
	c.scheduleHeartbeat()
}

// writeRecord refreshes this tab's entry with the current phase and visibility.
func (c *Coordinator) writeRecord() error {
	phase := c.phase()
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	rec := c.self
	rec.LastHeartbeat = c.clock.Now().UnixMilli()
	rec.IsForeground = c.foreground
	rec.SessionPhase = phase
	c.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.registry.Put(tabKeyPrefix+rec.TabID, raw)
}

func (c *Coordinator) phase() types.Phase {
	if c.session == nil {
		return types.PhaseMenu
	}
	return c.session.Phase()
}

// records reads every tab entry, purging the ones whose heartbeat is older
// than RecordTTL.
func (c *Coordinator) records() []Record {
	all, err := c.registry.All()
	if err != nil {
		c.log.Warn("read tab registry failed", zap.Error(err))
		return nil
	}
	now := c.clock.Now().UnixMilli()
	var out []Record
	for key, raw := range all {
		if !strings.HasPrefix(key, tabKeyPrefix) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.log.Warn("dropping unreadable tab record", zap.String("key", key), zap.Error(err))
			_ = c.registry.Delete(key)
			continue
		}
		if now-rec.LastHeartbeat > RecordTTL.Milliseconds() {
			c.log.Debug("purging expired tab", zap.String("other", rec.TabID))
			_ = c.registry.Delete(key)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].newerThan(out[i]) })
	return out
}

// OtherActiveTabs lists the unexpired records of every other tab, oldest first.
func (c *Coordinator) OtherActiveTabs() []Record {
	var out []Record
	for _, rec := range c.records() {
		if rec.TabID != c.self.TabID {
			out = append(out, rec)
		}
	}
	return out
}

// IsMasterTab is true when no unexpired tab is older than this one.
func (c *Coordinator) IsMasterTab() bool {
	for _, rec := range c.OtherActiveTabs() {
		if c.self.newerThan(rec) {
			return false
		}
	}
	return true
}

func (c *Coordinator) Stats() Stats {
	all := c.records()
	st := Stats{TabID: c.self.TabID, Total: len(all), IsMaster: true}
	for _, rec := range all {
		if rec.SessionPhase.Active() {
			st.Active++
		}
		if rec.IsForeground {
			st.Foreground++
		}
		if rec.TabID != c.self.TabID && c.self.newerThan(rec) {
			st.IsMaster = false
		}
	}
	return st
}

// CheckConflicts resolves against the oldest foreground tab that is also in
// an active phase. Background tabs do not check. It returns false when there
// is no conflict.
func (c *Coordinator) CheckConflicts() (Resolution, bool) {
	c.mu.Lock()
	idle := c.destroyed || !c.foreground
	c.mu.Unlock()
	if idle {
		return Resolution{}, false
	}
	phase := c.phase()
	if !phase.Active() {
		return Resolution{}, false
	}
	for _, other := range c.OtherActiveTabs() {
		if !other.IsForeground || !other.SessionPhase.Active() {
			continue
		}
		res := c.resolve(other, phase)
		c.log.Info("tab conflict",
			zap.String("other", other.TabID),
			zap.String("action", string(res.Action)))
		c.apply(res)
		c.broadcast(res)
		return res, true
	}
	return Resolution{}, false
}

func (c *Coordinator) resolve(other Record, phase types.Phase) Resolution {
	if c.self.newerThan(other) {
		return Resolution{
			Action:         ActionTakeControl,
			Reason:         "newer tab takes control of the session",
			ConflictingTab: other.TabID,
			FromTab:        c.self.TabID,
			At:             c.clock.Now().UnixMilli(),
		}
	}
	return c.yield(other.TabID, phase)
}

// yield is the resolution for a tab that has lost control to winner.
func (c *Coordinator) yield(winner string, phase types.Phase) Resolution {
	res := Resolution{
		Action:         ActionForceLogout,
		Reason:         "session continued in a newer tab",
		ConflictingTab: winner,
		FromTab:        c.self.TabID,
		At:             c.clock.Now().UnixMilli(),
	}
	if phase == types.PhaseTournament || phase == types.PhaseMatch {
		res.Action = ActionBecomeSpectator
		res.Reason = "session continued in a newer tab, spectating"
	}
	return res
}

// apply carries out a losing resolution on the local session.
func (c *Coordinator) apply(res Resolution) {
	if c.session == nil {
		return
	}
	switch res.Action {
	case ActionBecomeSpectator:
		if err := c.session.BecomeSpectator(); err != nil {
			c.log.Warn("switch to spectator failed", zap.Error(err))
			return
		}
		c.spectator.Publish(res)
	case ActionForceLogout:
		if err := c.session.Logout(); err != nil {
			c.log.Warn("forced logout failed", zap.Error(err))
			return
		}
		c.logout.Publish(res)
	default:
		return
	}
	if err := c.writeRecord(); err != nil {
		c.log.Warn("record refresh after resolution failed", zap.Error(err))
	}
}

func (c *Coordinator) broadcast(res Resolution) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.registry.Put(conflictKey, raw); err != nil {
		c.log.Warn("broadcast resolution failed", zap.Error(err))
	}
}

// observe reacts to writes made by other tabs.
func (c *Coordinator) observe(u Update) {
	c.mu.Lock()
	dead := c.destroyed
	c.mu.Unlock()
	if dead || u.Deleted {
		return
	}
	switch {
	case u.Key == conflictKey:
		var res Resolution
		if err := json.Unmarshal(u.Value, &res); err != nil {
			return
		}
		if res.Action != ActionTakeControl || res.ConflictingTab != c.self.TabID || res.FromTab == c.self.TabID {
			return
		}
		phase := c.phase()
		if !phase.Active() {
			return
		}
		c.log.Info("yielding to newer tab", zap.String("other", res.FromTab))
		c.apply(c.yield(res.FromTab, phase))
	case strings.HasPrefix(u.Key, tabKeyPrefix) && u.Key != tabKeyPrefix+c.self.TabID:
		c.CheckConflicts()
	}
}

// SetForeground records a visibility change. Regaining the foreground
// refreshes the record and re-checks for conflicts.
func (c *Coordinator) SetForeground(fg bool) {
	c.mu.Lock()
	was := c.foreground
	c.foreground = fg
	running := c.started && !c.destroyed
	c.mu.Unlock()
	if !running {
		return
	}
	if err := c.writeRecord(); err != nil {
		c.log.Warn("visibility write failed", zap.Error(err))
	}
	if fg && !was {
		c.CheckConflicts()
	}
}

// Refresh rewrites this tab's record after a local phase change so other
// tabs see it before the next heartbeat, then re-checks for conflicts.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	running := c.started && !c.destroyed
	c.mu.Unlock()
	if !running {
		return
	}
	if err := c.writeRecord(); err != nil {
		c.log.Warn("refresh write failed", zap.Error(err))
	}
	c.CheckConflicts()
}

// MarkIntentionalLeave suppresses the close confirmation for the next unload.
func (c *Coordinator) MarkIntentionalLeave() {
	c.mu.Lock()
	c.intentional = true
	c.mu.Unlock()
}

// BeforeUnload removes this tab's record and leaves a refresh marker. It
// returns true when the user should be asked to confirm leaving, which is
// whenever the session is in a lobby, tournament or match.
func (c *Coordinator) BeforeUnload() bool {
	phase := c.phase()
	c.mu.Lock()
	intentional := c.intentional
	c.mu.Unlock()

	now := c.clock.Now().UnixMilli()
	if err := c.registry.Put(unloadKey, []byte(strconv.FormatInt(now, 10))); err != nil {
		c.log.Warn("write unload marker failed", zap.Error(err))
	}
	if err := c.registry.Delete(tabKeyPrefix + c.self.TabID); err != nil {
		c.log.Warn("remove tab record failed", zap.Error(err))
	}
	return !intentional && phase.Active()
}

// IsPageRefresh consumes the unload marker and reports whether it was left
// less than RefreshWindow ago.
func (c *Coordinator) IsPageRefresh() bool {
	raw, ok, err := c.registry.Get(unloadKey)
	if err != nil || !ok {
		return false
	}
	_ = c.registry.Delete(unloadKey)
	at, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false
	}
	return c.clock.Now().UnixMilli()-at < RefreshWindow.Milliseconds()
}

func (c *Coordinator) OnSpectatorSwitch(fn func(Resolution)) func() {
	return c.spectator.Subscribe(fn)
}

func (c *Coordinator) OnForcedLogout(fn func(Resolution)) func() {
	return c.logout.Subscribe(fn)
}

// Destroy stops the heartbeat, detaches from the registry and removes this
// tab's record. It is safe to call more than once.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.gen++
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if err := c.registry.Delete(tabKeyPrefix + c.self.TabID); err != nil {
		c.log.Warn("remove tab record failed", zap.Error(err))
	}
	c.spectator.Clear()
	c.logout.Clear()
}
