// Package integrity produces the tamper-evident hash over an EVV record's
// immutable fields. Verification recomputes from current data and compares;
// a mismatch is a HIGH severity finding that is surfaced, never repaired.
package integrity

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"carebridge/internal/evv"
	dErrors "carebridge/pkg/domain-errors"
)

// Hasher computes keyed BLAKE2b-256 digests over a canonical serialization of
// the record. The key is the organization's integrity secret, so a copied
// database cannot be re-hashed without it.
type Hasher struct {
	key []byte
}

// New creates a Hasher. The key must be non-empty; blake2b additionally caps
// keys at 64 bytes.
func New(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("integrity key is required")
	}
	if len(key) > 64 {
		return nil, fmt.Errorf("integrity key exceeds 64 bytes")
	}
	return &Hasher{key: key}, nil
}

// Hash returns the hex digest over the record's immutable fields.
func (h *Hasher) Hash(rec *evv.Record) (string, error) {
	canonical, err := canonicalize(rec)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	mac, err := blake2b.New256(h.key)
	if err != nil {
		return "", fmt.Errorf("init keyed hash: %w", err)
	}
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the hash from current data and compares it against the
// stored one. A mismatch returns a CodeIntegrity error; callers must escalate
// it, not swallow it.
func (h *Hasher) Verify(rec *evv.Record) error {
	if rec.IntegrityHash == "" {
		return dErrors.New(dErrors.CodeIntegrity, "record has no integrity hash")
	}
	computed, err := h.Hash(rec)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "recompute integrity hash")
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(rec.IntegrityHash)) != 1 {
		return dErrors.Newf(dErrors.CodeIntegrity, "integrity hash mismatch for evv record %s", rec.ID).
			WithReason(string(evv.FlagIntegrityViolation))
	}
	return nil
}

// canonicalize serializes the immutable field set with sorted keys.
// encoding/json sorts map keys, which gives a stable byte stream as long as
// the value formatting below stays fixed.
func canonicalize(rec *evv.Record) ([]byte, error) {
	fields := map[string]any{
		"visit_id":           rec.VisitID.String(),
		"org_id":             rec.OrgID.String(),
		"clock_in_time":      rec.ClockInTime.UTC().Format(time.RFC3339Nano),
		"clock_out_time":     rec.ClockOutTime.UTC().Format(time.RFC3339Nano),
		"clock_in":           verificationFields(rec.ClockInVerification),
		"clock_out":          verificationFields(rec.ClockOutVerification),
		"verification_level": string(rec.VerificationLevel),
		"total_duration_s":   int64(rec.TotalDuration.Seconds()),
		"compliance_status":  string(rec.ComplianceStatus),
		"compliance_flags":   flagFields(rec.ComplianceFlags),
	}
	return json.Marshal(fields)
}

func verificationFields(v evv.ClockVerification) map[string]any {
	m := map[string]any{
		"timestamp": v.Timestamp.UTC().Format(time.RFC3339Nano),
		"method":    string(v.Method),
	}
	if v.Latitude != nil {
		m["latitude"] = fmt.Sprintf("%.7f", *v.Latitude)
	}
	if v.Longitude != nil {
		m["longitude"] = fmt.Sprintf("%.7f", *v.Longitude)
	}
	if v.AccuracyMeters != nil {
		m["accuracy_m"] = fmt.Sprintf("%.2f", *v.AccuracyMeters)
	}
	return m
}

func flagFields(flags []evv.ComplianceFlag) []map[string]any {
	out := make([]map[string]any, 0, len(flags))
	for _, f := range flags {
		out = append(out, map[string]any{
			"type":     string(f.Type),
			"severity": string(f.Severity),
		})
	}
	return out
}
