package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/hatlonely/dbx/cfg"
	"github.com/hatlonely/dbx/log"
	"github.com/hatlonely/dbx/log/logger"
	"github.com/hatlonely/dbx/ref"
)

type CacheOptions struct {
	// 缓存后端，缺省为进程内 MapStore
	Store *ref.TypeOptions `cfg:"store"`

	TTL time.Duration `cfg:"ttl" def:"5m"`

	// 缓存键前缀，多个引擎共用一个后端时用于隔离
	Prefix string `cfg:"prefix" def:"dbx"`
}

// Cache 查询结果缓存。
// 每个模型和租户组合持有一个代数计数器，写操作递增代数使已有条目失效，
// 不需要枚举和删除后端中的键。后端故障时退化为直查，不影响正确性。
type Cache struct {
	store   Store
	options *CacheOptions
	logger  logger.Logger

	group singleflight.Group
	// "model|tenant" -> *atomic.Int64
	generations sync.Map
}

func NewCacheWithOptions(options *CacheOptions) (*Cache, error) {
	if options == nil {
		options = &CacheOptions{}
	}
	if err := cfg.SetDefaults(options); err != nil {
		return nil, errors.WithMessage(err, "cfg.SetDefaults failed")
	}

	storeOptions := options.Store
	if storeOptions == nil {
		storeOptions = &ref.TypeOptions{
			Namespace: "github.com/hatlonely/dbx/cache",
			Type:      "MapStore",
		}
	}

	store, err := NewStoreWithOptions(storeOptions)
	if err != nil {
		return nil, errors.WithMessage(err, "NewStoreWithOptions failed")
	}

	return &Cache{
		store:   store,
		options: options,
		logger:  log.Default().WithGroup("cache"),
	}, nil
}

// cachedEntry 缓存条目，代数不匹配的条目视为失效
type cachedEntry struct {
	Generation int64            `msgpack:"generation"`
	Rows       []map[string]any `msgpack:"rows"`
}

func (c *Cache) generation(model, tenant string) *atomic.Int64 {
	actual, _ := c.generations.LoadOrStore(model+"|"+tenant, &atomic.Int64{})
	return actual.(*atomic.Int64)
}

// Invalidate 使一个模型和租户组合下的所有缓存条目失效
func (c *Cache) Invalidate(model, tenant string) {
	c.generation(model, tenant).Add(1)
}

// ComputeFunc 缓存未命中时的取数函数
type ComputeFunc func(ctx context.Context) ([]map[string]any, error)

// Rows 按指纹读取查询结果，未命中时调用 compute 取数并回填。
// 相同键的并发未命中只触发一次取数。返回值第二项表示是否命中。
func (c *Cache) Rows(ctx context.Context, model, tenant, fingerprint string,
	compute ComputeFunc) ([]map[string]any, bool, error) {

	key := c.options.Prefix + "|" + model + "|" + tenant + "|" + fingerprint
	gen := c.generation(model, tenant).Load()

	buf, err := c.store.Get(ctx, key)
	if err == nil {
		var entry cachedEntry
		if uErr := msgpack.Unmarshal(buf, &entry); uErr == nil && entry.Generation == gen {
			requestsTotal.WithLabelValues(model, "hit").Inc()
			return entry.Rows, true, nil
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		// 后端故障，退化为直查
		requestsTotal.WithLabelValues(model, "degraded").Inc()
		c.logger.WarnContext(ctx, "cache backend degraded", "error", err)
		rows, cErr := compute(ctx)
		return rows, false, cErr
	}

	requestsTotal.WithLabelValues(model, "miss").Inc()

	// 合并键带上代数：失效之后开始的读不搭上失效之前的在途计算
	flightKey := key + "|" + strconv.FormatInt(gen, 10)
	value, err, _ := c.group.Do(flightKey, func() (any, error) {
		rows, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		// 被取消的计算和计算期间发生过失效的结果不回填
		if ctx.Err() == nil && c.generation(model, tenant).Load() == gen {
			entry, mErr := msgpack.Marshal(&cachedEntry{Generation: gen, Rows: rows})
			if mErr == nil {
				if sErr := c.store.Set(ctx, key, entry, c.options.TTL); sErr != nil {
					c.logger.WarnContext(ctx, "cache populate failed", "error", sErr)
				}
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value.([]map[string]any), false, nil
}

func (c *Cache) Close() error {
	return c.store.Close()
}
