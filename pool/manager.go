package pool

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrPoolNotFound = errors.New("pool not found")

// Manager 按名称管理多个连接池。
// 同名池只创建一次，重复创建返回已有实例。
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewManager() *Manager {
	return &Manager{
		pools: map[string]*Pool{},
	}
}

// GetOrCreate 返回已有的池，不存在时按配置创建
func (m *Manager) GetOrCreate(options *PoolOptions) (*Pool, error) {
	name := "default"
	if options != nil && options.Name != "" {
		name = options.Name
	}

	m.mu.RLock()
	if pool, ok := m.pools[name]; ok {
		m.mu.RUnlock()
		return pool, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.pools[name]; ok {
		return pool, nil
	}

	pool, err := NewPoolWithOptions(options)
	if err != nil {
		return nil, err
	}
	m.pools[name] = pool
	return pool, nil
}

// Get 按名称查找池
func (m *Manager) Get(name string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[name]
	if !ok {
		return nil, errors.WithMessagef(ErrPoolNotFound, "pool %q", name)
	}
	return pool, nil
}

// Close 关闭所有池
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, pool := range m.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, name)
	}
	return firstErr
}
