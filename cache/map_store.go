package cache

import (
	"context"
	"sync"
	"time"
)

type MapStoreOptions struct {
	DefaultTTL time.Duration `cfg:"defaultTTL"`
}

// MapStore 进程内存缓存，过期键在读取时惰性清理
type MapStore struct {
	mu         sync.RWMutex
	data       map[string]mapEntry
	defaultTTL time.Duration
}

type mapEntry struct {
	value    []byte
	expireAt time.Time
}

func NewMapStoreWithOptions(options *MapStoreOptions) (*MapStore, error) {
	if options == nil {
		options = &MapStoreOptions{}
	}
	return &MapStore{
		data:       map[string]mapEntry{},
		defaultTTL: options.DefaultTTL,
	}, nil
}

func (s *MapStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	entry := mapEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expireAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MapStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrKeyNotFound
	}
	if !entry.expireAt.IsZero() && time.Now().After(entry.expireAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	return entry.value, nil
}

func (s *MapStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MapStore) Close() error {
	s.mu.Lock()
	s.data = map[string]mapEntry{}
	s.mu.Unlock()
	return nil
}
