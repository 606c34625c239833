// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStorage) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStorageWithClient(client, "zxcv:auth:")
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestRedisStateTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, s := newTestRedis(t)

	require.NoError(t, s.CreateState(ctx, validState("state-1")))

	// Advance the miniredis clock past the state TTL; the key expires
	// natively and the state reads as not found.
	mr.FastForward(DefaultStateTTL + time.Second)

	_, err := s.ConsumeState(ctx, "state-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisKeyPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, s := newTestRedis(t)

	require.NoError(t, s.CreateState(ctx, validState("state-1")))

	// All keys live under the configured prefix.
	assert.True(t, mr.Exists("zxcv:auth:state:state-1"))
}

func TestRedisCreateUser_RollsBackIndexes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, s := newTestRedis(t)

	require.NoError(t, s.CreateUser(ctx, validUser("u1")))

	// Conflicting username forces a rollback of the email reservation.
	dup := validUser("u2")
	dup.Username = "user-u1"
	require.ErrorIs(t, s.CreateUser(ctx, dup), ErrAlreadyExists)

	assert.False(t, mr.Exists("zxcv:auth:email:u2@example.com"))
	assert.False(t, mr.Exists("zxcv:auth:user:u2"))
}

func TestRedisDeleteExpiredStates_Noop(t *testing.T) {
	t.Parallel()

	_, s := newTestRedis(t)

	deleted, err := s.DeleteExpiredStates(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestNewRedisStorage_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := NewRedisStorage(ctx, RedisConfig{KeyPrefix: "zxcv:"})
	assert.ErrorContains(t, err, "redis address is required")

	_, err = NewRedisStorage(ctx, RedisConfig{Addr: "localhost:6379"})
	assert.ErrorContains(t, err, "key prefix is required")
}
