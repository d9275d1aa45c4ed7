package cache

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type BoltDBStoreOptions struct {
	Path       string        `cfg:"path" validate:"required"`
	Bucket     string        `cfg:"bucket" def:"dbx_cache"`
	DefaultTTL time.Duration `cfg:"defaultTTL"`
}

// BoltDBStore 文件缓存后端，进程重启后缓存仍然有效。
// bbolt 没有过期机制，值前缀 8 字节保存过期时间戳，读取时判断。
type BoltDBStore struct {
	db         *bolt.DB
	bucket     []byte
	defaultTTL time.Duration
}

func NewBoltDBStoreWithOptions(options *BoltDBStoreOptions) (*BoltDBStore, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("boltdb store requires a path")
	}
	bucket := options.Bucket
	if bucket == "" {
		bucket = "dbx_cache"
	}

	db, err := bolt.Open(options.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WithMessage(err, "bolt.Open failed")
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "create bucket failed")
	}

	return &BoltDBStore{
		db:         db,
		bucket:     []byte(bucket),
		defaultTTL: options.DefaultTTL,
	}, nil
}

func (s *BoltDBStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	var expireAt int64
	if ttl > 0 {
		expireAt = time.Now().Add(ttl).UnixNano()
	}

	envelope := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(envelope, uint64(expireAt))
	copy(envelope[8:], value)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), envelope)
	})
}

func (s *BoltDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expired bool

	err := s.db.View(func(tx *bolt.Tx) error {
		envelope := tx.Bucket(s.bucket).Get([]byte(key))
		if envelope == nil || len(envelope) < 8 {
			return ErrKeyNotFound
		}

		expireAt := int64(binary.BigEndian.Uint64(envelope))
		if expireAt > 0 && time.Now().UnixNano() > expireAt {
			expired = true
			return ErrKeyNotFound
		}

		value = append([]byte(nil), envelope[8:]...)
		return nil
	})

	if expired {
		_ = s.Del(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BoltDBStore) Del(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

func (s *BoltDBStore) Close() error {
	return s.db.Close()
}
