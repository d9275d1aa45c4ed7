package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/ref"
)

var ErrKeyNotFound = errors.New("key not found")

// Store 缓存后端，面向字节的 KV 接口
type Store interface {
	// Set 写入键值，ttl 为 0 时使用后端默认过期时间
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get 读取键值，键不存在或已过期时返回 ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Del 删除键，键不存在时也返回成功
	Del(ctx context.Context, key string) error
	Close() error
}

// NewStoreWithOptions 按类型配置构造缓存后端
func NewStoreWithOptions(options *ref.TypeOptions) (Store, error) {
	ref.RegisterT[*MapStore](NewMapStoreWithOptions)
	ref.RegisterT[*FreeCacheStore](NewFreeCacheStoreWithOptions)
	ref.RegisterT[*RedisStore](NewRedisStoreWithOptions)
	ref.RegisterT[*BoltDBStore](NewBoltDBStoreWithOptions)

	store, err := ref.New(options.Namespace, options.Type, options.Options)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.New failed")
	}
	s, ok := store.(Store)
	if !ok {
		return nil, errors.Errorf("%s.%s is not a cache store", options.Namespace, options.Type)
	}
	return s, nil
}
