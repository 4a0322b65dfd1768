//go:build integration

package cache_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	redisclient "carebridge/internal/platform/redis"
	"carebridge/internal/policy"
	"carebridge/internal/policy/cache"
	id "carebridge/pkg/domain"
	"carebridge/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *cache.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cache = cache.New(&redisclient.Client{Client: s.redis.Client}, logger)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestSetGetRoundtrip() {
	ctx := context.Background()
	bundle := &policy.Bundle{
		OrgID:                   id.OrgID(uuid.New()),
		StateCode:               id.StateCode("TX"),
		RequiresClientSignature: true,
		GeofenceRadiusMeters:    150,
		GPSAccuracyThresholdM:   100,
		SeverityOverrides:       map[string]string{"MISSING_SIGNATURE": "CRITICAL"},
	}

	s.cache.Set(ctx, "policy:test", bundle, time.Minute)

	got, ok := s.cache.Get(ctx, "policy:test")
	s.Require().True(ok)
	s.Equal(bundle.OrgID, got.OrgID)
	s.Equal(bundle.StateCode, got.StateCode)
	s.True(got.RequiresClientSignature)
	s.Equal("CRITICAL", got.SeverityOverrides["MISSING_SIGNATURE"])
}

func (s *RedisCacheSuite) TestMissReturnsFalse() {
	_, ok := s.cache.Get(context.Background(), "policy:absent")
	s.False(ok)
}

func (s *RedisCacheSuite) TestExpiredEntryIsAMiss() {
	ctx := context.Background()
	s.cache.Set(ctx, "policy:short", &policy.Bundle{StateCode: id.StateCode("OH")}, 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	_, ok := s.cache.Get(ctx, "policy:short")
	s.False(ok)
}

func (s *RedisCacheSuite) TestCorruptEntryIsDroppedNotReturned() {
	ctx := context.Background()
	s.Require().NoError(s.redis.Client.Set(ctx, "policy:bad", "not-json", time.Minute).Err())

	_, ok := s.cache.Get(ctx, "policy:bad")
	s.False(ok)

	// The corrupt entry is deleted so the next read goes to the store.
	exists, err := s.redis.Client.Exists(ctx, "policy:bad").Result()
	s.Require().NoError(err)
	s.Zero(exists)
}
