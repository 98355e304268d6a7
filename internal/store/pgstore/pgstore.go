// Package pgstore keeps the server's authoritative session snapshots in Postgres.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

var ErrNotFound = errors.New("session snapshot not found")

// SnapshotRecord is one row per user. The full snapshot is kept as JSON; the
// phase and correlated ids are broken out for querying.
type SnapshotRecord struct {
	UserID       string `gorm:"primaryKey;size:64"`
	Phase        string `gorm:"size:16;index"`
	LobbyID      string `gorm:"size:64;index"`
	TournamentID string `gorm:"size:64"`
	MatchID      string `gorm:"size:64"`
	Payload      []byte `gorm:"type:jsonb"`
	UpdatedAt    time.Time
}

func (SnapshotRecord) TableName() string { return "session_snapshots" }

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to Postgres and migrates the snapshot table.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate session_snapshots: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func toRecord(snap types.SessionSnapshot) (SnapshotRecord, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return SnapshotRecord{}, err
	}
	return SnapshotRecord{
		UserID:       snap.User.ID,
		Phase:        string(snap.GameSession.CurrentState),
		LobbyID:      snap.GameSession.LobbyID,
		TournamentID: snap.GameSession.TournamentID,
		MatchID:      snap.GameSession.MatchID,
		Payload:      payload,
	}, nil
}

func (s *Store) Put(ctx context.Context, snap types.SessionSnapshot) error {
	rec, err := toRecord(snap)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		s.log.Warn("snapshot put failed", zap.String("user", snap.User.ID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID string) (types.SessionSnapshot, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.SessionSnapshot{}, ErrNotFound
	}
	if err != nil {
		return types.SessionSnapshot{}, err
	}
	var snap types.SessionSnapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return types.SessionSnapshot{}, fmt.Errorf("decode snapshot for %s: %w", userID, err)
	}
	return snap, nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&SnapshotRecord{}).Error
}

// Memory is the in-process stand-in used when no database is configured.
type Memory struct {
	mu    sync.Mutex
	snaps map[string]types.SessionSnapshot
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]types.SessionSnapshot)}
}

func (m *Memory) Put(_ context.Context, snap types.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.User.ID] = snap.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, userID string) (types.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[userID]
	if !ok {
		return types.SessionSnapshot{}, ErrNotFound
	}
	return snap.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, userID)
	return nil
}
