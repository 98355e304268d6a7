package tabs

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/notify"
)

// Update describes one write observed on a Registry.
type Update struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Registry is the key-value medium shared by every tab of one session.
// Coordination over it is advisory; readers must tolerate stale entries.
type Registry interface {
	All() (map[string][]byte, error)
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Watch registers fn for every write. The returned func unregisters it.
	Watch(fn func(Update)) func()
}

// MemoryRegistry is a Registry shared by coordinators living in one process.
// Watchers run synchronously on the writer's goroutine, after the write is
// visible and outside the registry lock.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string][]byte
	updates *notify.Fanout[Update]
}

func NewMemoryRegistry(log *zap.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string][]byte),
		updates: notify.New[Update]("tab-registry", log),
	}
}

func (r *MemoryRegistry) All() (map[string][]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]byte, len(r.entries))
	for k, v := range r.entries {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (r *MemoryRegistry) Get(key string) ([]byte, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (r *MemoryRegistry) Put(key string, value []byte) error {
	v := append([]byte(nil), value...)
	r.mu.Lock()
	r.entries[key] = v
	r.mu.Unlock()
	r.updates.Publish(Update{Key: key, Value: append([]byte(nil), v...)})
	return nil
}

func (r *MemoryRegistry) Delete(key string) error {
	r.mu.Lock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		r.updates.Publish(Update{Key: key, Deleted: true})
	}
	return nil
}

func (r *MemoryRegistry) Watch(fn func(Update)) func() {
	return r.updates.Subscribe(fn)
}

// Keys lists the current keys in sorted order.
func (r *MemoryRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
