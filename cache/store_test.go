package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/dbx/ref"
)

func TestMapStore(t *testing.T) {
	convey.Convey("MapStore", t, func() {
		ctx := context.Background()
		store, err := NewMapStoreWithOptions(nil)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("读写删", func() {
			convey.So(store.Set(ctx, "k", []byte("v"), 0), convey.ShouldBeNil)

			value, err := store.Get(ctx, "k")
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(value), convey.ShouldEqual, "v")

			convey.So(store.Del(ctx, "k"), convey.ShouldBeNil)
			_, err = store.Get(ctx, "k")
			convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("过期", func() {
			convey.So(store.Set(ctx, "k", []byte("v"), 30*time.Millisecond), convey.ShouldBeNil)
			time.Sleep(60 * time.Millisecond)

			_, err := store.Get(ctx, "k")
			convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
		})
	})
}

func TestFreeCacheStore(t *testing.T) {
	convey.Convey("FreeCacheStore", t, func() {
		ctx := context.Background()
		store, err := NewFreeCacheStoreWithOptions(&FreeCacheStoreOptions{Size: 1024 * 1024})
		convey.So(err, convey.ShouldBeNil)
		defer store.Close()

		convey.So(store.Set(ctx, "k", []byte("v"), 0), convey.ShouldBeNil)

		value, err := store.Get(ctx, "k")
		convey.So(err, convey.ShouldBeNil)
		convey.So(string(value), convey.ShouldEqual, "v")

		convey.So(store.Del(ctx, "k"), convey.ShouldBeNil)
		_, err = store.Get(ctx, "k")
		convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
	})
}

func TestRedisStore(t *testing.T) {
	convey.Convey("RedisStore", t, func() {
		server := miniredis.RunT(t)
		ctx := context.Background()

		store, err := NewRedisStoreWithOptions(&RedisStoreOptions{Addr: server.Addr()})
		convey.So(err, convey.ShouldBeNil)
		defer store.Close()

		convey.Convey("读写删", func() {
			convey.So(store.Set(ctx, "k", []byte("v"), 0), convey.ShouldBeNil)

			value, err := store.Get(ctx, "k")
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(value), convey.ShouldEqual, "v")

			convey.So(store.Del(ctx, "k"), convey.ShouldBeNil)
			_, err = store.Get(ctx, "k")
			convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("过期", func() {
			convey.So(store.Set(ctx, "k", []byte("v"), time.Minute), convey.ShouldBeNil)
			server.FastForward(2 * time.Minute)

			_, err := store.Get(ctx, "k")
			convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
		})
	})
}

func TestBoltDBStore(t *testing.T) {
	convey.Convey("BoltDBStore", t, func() {
		ctx := context.Background()
		store, err := NewBoltDBStoreWithOptions(&BoltDBStoreOptions{
			Path: filepath.Join(t.TempDir(), "cache.db"),
		})
		convey.So(err, convey.ShouldBeNil)
		defer store.Close()

		convey.Convey("读写删", func() {
			convey.So(store.Set(ctx, "k", []byte("v"), 0), convey.ShouldBeNil)

			value, err := store.Get(ctx, "k")
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(value), convey.ShouldEqual, "v")

			convey.So(store.Del(ctx, "k"), convey.ShouldBeNil)
			_, err = store.Get(ctx, "k")
			convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("过期", func() {
			convey.So(store.Set(ctx, "k", []byte("v"), 30*time.Millisecond), convey.ShouldBeNil)
			time.Sleep(60 * time.Millisecond)

			_, err := store.Get(ctx, "k")
			convey.So(errors.Is(err, ErrKeyNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("缺少路径报错", func() {
			_, err := NewBoltDBStoreWithOptions(nil)
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestNewStoreWithOptions(t *testing.T) {
	convey.Convey("按配置构造后端", t, func() {
		convey.Convey("MapStore", func() {
			store, err := NewStoreWithOptions(&ref.TypeOptions{
				Namespace: "github.com/hatlonely/dbx/cache",
				Type:      "MapStore",
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(store, convey.ShouldHaveSameTypeAs, &MapStore{})
		})

		convey.Convey("FreeCacheStore 带参数", func() {
			store, err := NewStoreWithOptions(&ref.TypeOptions{
				Namespace: "github.com/hatlonely/dbx/cache",
				Type:      "FreeCacheStore",
				Options: map[string]any{
					"size": 1024 * 1024,
				},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(store, convey.ShouldHaveSameTypeAs, &FreeCacheStore{})
		})

		convey.Convey("未注册类型报错", func() {
			_, err := NewStoreWithOptions(&ref.TypeOptions{
				Namespace: "github.com/hatlonely/dbx/cache",
				Type:      "MemcachedStore",
			})
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}
