package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
)

type ResolverSuite struct {
	suite.Suite
	store    *MemoryStore
	resolver *Resolver
	orgID    id.OrgID
	payerID  id.PayerID
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.store = NewMemoryStore()
	s.orgID = id.OrgID(uuid.New())
	s.payerID = id.PayerID(uuid.New())

	var err error
	s.resolver, err = New(s.store, Defaults{
		GeofenceRadiusMeters:  150,
		GPSAccuracyThresholdM: 100,
	})
	s.Require().NoError(err)
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func (s *ResolverSuite) TestDefaultsWhenNoLayersExist() {
	b, err := s.resolver.Resolve(context.Background(), s.orgID, "TX", id.PayerID{})
	s.Require().NoError(err)

	s.Equal(float64(150), b.GeofenceRadiusMeters)
	s.Equal(float64(100), b.GPSAccuracyThresholdM)
	s.False(b.RequiresClientSignature)
}

func (s *ResolverSuite) TestLaterLayersWin() {
	s.store.SetOrgLayer(s.orgID, &Layer{
		RequiresClientSignature: boolPtr(false),
		GeofenceRadiusMeters:    floatPtr(200),
	})
	s.store.SetStateLayer("TX", &Layer{
		RequiresClientSignature: boolPtr(true),
	})
	s.store.SetPayerLayer(s.payerID, &Layer{
		StrictGPSAccuracy: boolPtr(true),
		SeverityOverrides: map[string]string{"MISSING_SIGNATURE": "HIGH"},
	})

	b, err := s.resolver.Resolve(context.Background(), s.orgID, "TX", s.payerID)
	s.Require().NoError(err)

	s.True(b.RequiresClientSignature, "state mandate overrides org default")
	s.True(b.StrictGPSAccuracy, "payer layer applies last")
	s.Equal(float64(200), b.GeofenceRadiusMeters, "org radius survives absent overrides")
	s.Equal("HIGH", b.SeverityOverrides["MISSING_SIGNATURE"])
}

func (s *ResolverSuite) TestPayerLayerSkippedWhenNilPayer() {
	s.store.SetPayerLayer(s.payerID, &Layer{StrictGPSAccuracy: boolPtr(true)})

	b, err := s.resolver.Resolve(context.Background(), s.orgID, "TX", id.PayerID{})
	s.Require().NoError(err)
	s.False(b.StrictGPSAccuracy)
}

func (s *ResolverSuite) TestInvalidInputs() {
	_, err := s.resolver.Resolve(context.Background(), id.OrgID{}, "TX", id.PayerID{})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = s.resolver.Resolve(context.Background(), s.orgID, "ZZ", id.PayerID{})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

// fakeCache records gets and sets for cache behavior tests.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*Bundle
	hits    int
}

func (c *fakeCache) Get(ctx context.Context, key string) (*Bundle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return b, ok
}

func (c *fakeCache) Set(ctx context.Context, key string, b *Bundle, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*Bundle)
	}
	c.entries[key] = b
}

func (s *ResolverSuite) TestReadThroughCache() {
	cache := &fakeCache{}
	resolver, err := New(s.store, Defaults{GeofenceRadiusMeters: 150, GPSAccuracyThresholdM: 100},
		WithCache(cache, time.Minute),
	)
	s.Require().NoError(err)

	ctx := context.Background()
	_, err = resolver.Resolve(ctx, s.orgID, "TX", s.payerID)
	s.Require().NoError(err)
	s.Equal(0, cache.hits)

	_, err = resolver.Resolve(ctx, s.orgID, "TX", s.payerID)
	s.Require().NoError(err)
	s.Equal(1, cache.hits)
}

func (s *ResolverSuite) TestNilStoreRejected() {
	_, err := New(nil, Defaults{})
	s.Error(err)
}
