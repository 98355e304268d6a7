package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/pkg/types"
)

// File persists one snapshot as JSON under dir. Writes go through a temp file
// and a rename so a crash never leaves a half-written snapshot behind.
type File struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// NewFile constructs a file store for the named profile (usually the user id).
func NewFile(dir, profile string, logger *zap.Logger) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := sanitize(profile)
	if name == "" {
		name = "session"
	}
	path := filepath.Join(dir, name+".json")
	return &File{path: path, log: logger.With(zap.String("state_file", path))}, nil
}

func (f *File) Load() (types.SessionSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *File) loadLocked() (types.SessionSnapshot, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.log.Debug("session load miss")
			return types.SessionSnapshot{}, false, nil
		}
		f.log.Warn("session load failed", zap.Error(err))
		return types.SessionSnapshot{}, false, err
	}
	var snap types.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		f.log.Warn("session load failed", zap.Error(err))
		return types.SessionSnapshot{}, false, err
	}
	f.log.Debug("session load ok", zap.String("phase", string(snap.GameSession.CurrentState)))
	return snap, true, nil
}

func (f *File) Save(snapshot types.SessionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(snapshot)
}

func (f *File) saveLocked(snapshot types.SessionSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		f.log.Warn("session save failed", zap.Error(err))
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "session-*.json")
	if err != nil {
		f.log.Warn("session save failed", zap.Error(err))
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		f.log.Warn("session save failed", zap.Error(err))
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		f.log.Warn("session save failed", zap.Error(err))
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		f.log.Warn("session save failed", zap.Error(err))
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		f.log.Warn("session save failed", zap.Error(err))
		return err
	}
	f.log.Debug("session save ok", zap.String("phase", string(snapshot.GameSession.CurrentState)))
	return nil
}

func (f *File) Clear(scope Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if scope == ScopeAll {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		f.log.Debug("session cleared")
		return nil
	}
	snap, ok, err := f.loadLocked()
	if err != nil {
		return err
	}
	if !ok {
		if scope != ScopeLobby && scope != ScopeTournament {
			return ErrUnknownScope
		}
		return nil
	}
	cleared, err := clearScope(snap, scope)
	if err != nil {
		return err
	}
	return f.saveLocked(cleared)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
