package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
)

func testRecord() *evv.Record {
	lat, lon, acc := 30.2672, -97.7431, 12.5
	in := evv.ClockVerification{
		Timestamp:      time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Method:         evv.MethodGPS,
		Latitude:       &lat,
		Longitude:      &lon,
		AccuracyMeters: &acc,
	}
	out := in
	out.Timestamp = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	return &evv.Record{
		ID:                   id.EVVRecordID(uuid.New()),
		VisitID:              id.VisitID(uuid.New()),
		OrgID:                id.OrgID(uuid.New()),
		ClockInTime:          in.Timestamp,
		ClockOutTime:         out.Timestamp,
		ClockInVerification:  in,
		ClockOutVerification: out,
		VerificationLevel:    evv.LevelFull,
		TotalDuration:        2 * time.Hour,
		ComplianceStatus:     evv.StatusCompliant,
		CreatedAt:            out.Timestamp,
	}
}

func TestHasher(t *testing.T) {
	hasher, err := New([]byte("org-integrity-secret"))
	require.NoError(t, err)

	t.Run("deterministic over identical records", func(t *testing.T) {
		rec := testRecord()
		h1, err := hasher.Hash(rec)
		require.NoError(t, err)
		h2, err := hasher.Hash(rec)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
		assert.Len(t, h1, 64) // hex of 256 bits
	})

	t.Run("verify accepts untampered record", func(t *testing.T) {
		rec := testRecord()
		rec.IntegrityHash, err = hasher.Hash(rec)
		require.NoError(t, err)
		assert.NoError(t, hasher.Verify(rec))
	})

	t.Run("verify rejects field tampering", func(t *testing.T) {
		rec := testRecord()
		rec.IntegrityHash, err = hasher.Hash(rec)
		require.NoError(t, err)

		rec.ClockOutTime = rec.ClockOutTime.Add(30 * time.Minute)
		err := hasher.Verify(rec)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeIntegrity))
		assert.Equal(t, string(evv.FlagIntegrityViolation), dErrors.ReasonOf(err))
	})

	t.Run("different keys produce different digests", func(t *testing.T) {
		other, err := New([]byte("another-secret"))
		require.NoError(t, err)

		rec := testRecord()
		h1, err := hasher.Hash(rec)
		require.NoError(t, err)
		h2, err := other.Hash(rec)
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})

	t.Run("missing hash fails verification", func(t *testing.T) {
		err := hasher.Verify(testRecord())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeIntegrity))
	})

	t.Run("empty key rejected", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})
}
