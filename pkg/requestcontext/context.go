// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them; services read them without
// importing net/http.
package requestcontext

import (
	"context"
	"time"

	id "carebridge/pkg/domain"
)

// Context key types (unexported for encapsulation).
type (
	caregiverIDKey struct{}
	deviceIDKey    struct{}
	deviceNameKey  struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyCaregiverID = caregiverIDKey{}
	ContextKeyDeviceID    = deviceIDKey{}
	ContextKeyDeviceName  = deviceNameKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// CaregiverID retrieves the authenticated caregiver ID from the context.
// Returns the zero value (nil UUID) if not set.
func CaregiverID(ctx context.Context) id.CaregiverID {
	if cid, ok := ctx.Value(ContextKeyCaregiverID).(id.CaregiverID); ok {
		return cid
	}
	return id.CaregiverID{}
}

// WithCaregiverID injects a caregiver ID into the context.
func WithCaregiverID(ctx context.Context, cid id.CaregiverID) context.Context {
	return context.WithValue(ctx, ContextKeyCaregiverID, cid)
}

// DeviceID retrieves the device identifier reported by the mobile client.
func DeviceID(ctx context.Context) string {
	if d, ok := ctx.Value(ContextKeyDeviceID).(string); ok {
		return d
	}
	return ""
}

// WithDeviceID injects a device identifier into the context.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, ContextKeyDeviceID, deviceID)
}

// DeviceName retrieves the human-readable device name derived from the
// User-Agent header (e.g. "Safari on iPhone").
func DeviceName(ctx context.Context) string {
	if d, ok := ctx.Value(ContextKeyDeviceName).(string); ok {
		return d
	}
	return ""
}

// WithDeviceName injects a device display name into the context.
func WithDeviceName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextKeyDeviceName, name)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context. Falls back to
// time.Now() for non-HTTP contexts (workers, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Useful for service unit
// tests and for workers that need a consistent time within one sweep.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
