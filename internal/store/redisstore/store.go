// Package redisstore mirrors relay group membership into Redis sets so that
// operators can inspect who is connected from outside the process.
package redisstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

const (
	defaultPrefix  = "chatrelay:group:"
	defaultTimeout = 2 * time.Second
)

// Store implements relay.Store on top of a Redis set per group.
type Store struct {
	rdb     *goredis.Client
	prefix  string
	timeout time.Duration
}

var _ relay.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix for group sets.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTimeout bounds every Redis round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Connect parses a redis:// URL, dials the server and verifies it with PING.
func Connect(ctx context.Context, url string, opts ...Option) (*Store, error) {
	redisOpts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	s := New(goredis.NewClient(redisOpts), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(rdb *goredis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:     rdb,
		prefix:  defaultPrefix,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(group string) string {
	return s.prefix + group
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Add records id as a member of group.
func (s *Store) Add(ctx context.Context, group string, id relay.ID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.SAdd(ctx, s.key(group), id.String()).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", group, err)
	}
	return nil
}

// Remove deletes id from group. Redis drops the set once it is empty.
func (s *Store) Remove(ctx context.Context, group string, id relay.ID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.SRem(ctx, s.key(group), id.String()).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", group, err)
	}
	return nil
}

// Members returns the ids recorded for group.
func (s *Store) Members(ctx context.Context, group string) ([]relay.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.rdb.SMembers(ctx, s.key(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", group, err)
	}

	ids := make([]relay.ID, 0, len(raw))
	for _, r := range raw {
		id, err := relay.ParseID(r)
		if err != nil {
			return nil, fmt.Errorf("invalid member %q in %s: %w", r, group, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Reset deletes the set for group. Used at startup to clear entries left by
// a previous process, since membership never survives a restart.
func (s *Store) Reset(ctx context.Context, group string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Del(ctx, s.key(group)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", group, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
