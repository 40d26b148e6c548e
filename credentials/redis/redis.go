// Package redis stores the credential set in a Redis hash so that several
// workers share one session.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/syncstore/credentials"
)

var ErrNilClient = errors.New("redis credentials: nil client")

const (
	fieldAccess  = "access"
	fieldRefresh = "refresh"
)

// Store keeps the set under one hash key. Save replaces the hash inside a
// MULTI/EXEC block so readers never see a mixed pair.
type Store struct {
	rdb goredis.UniversalClient
	key string
	ttl time.Duration
}

var _ credentials.Store = (*Store)(nil)

type Config struct {
	Client goredis.UniversalClient
	Key    string        // "" => "syncstore:credentials"
	TTL    time.Duration // 0 => no expiry
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	key := cfg.Key
	if key == "" {
		key = "syncstore:credentials"
	}
	return &Store{rdb: cfg.Client, key: key, ttl: cfg.TTL}, nil
}

func (s *Store) Load(ctx context.Context) (credentials.Set, error) {
	m, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return credentials.Set{}, fmt.Errorf("redis credentials: load: %w", err)
	}
	set := credentials.Set{Access: m[fieldAccess], Refresh: m[fieldRefresh]}
	if !set.Present() {
		return credentials.Set{}, nil
	}
	return set, nil
}

func (s *Store) Save(ctx context.Context, set credentials.Set) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.key)
		p.HSet(ctx, s.key, fieldAccess, set.Access, fieldRefresh, set.Refresh)
		if s.ttl > 0 {
			p.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis credentials: save: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis credentials: clear: %w", err)
	}
	return nil
}
