// Package middleware provides the HTTP middleware chain: request metadata,
// bearer-token auth for device-facing routes, and device identification.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	id "carebridge/pkg/domain"
	dErrors "carebridge/pkg/domain-errors"
	"carebridge/pkg/platform/httputil"
	"carebridge/pkg/requestcontext"
)

// caregiverClaims are the JWT claims issued to mobile devices by the identity
// service (out of scope here; we only validate).
type caregiverClaims struct {
	CaregiverID string `json:"cgv"`
	DeviceID    string `json:"dev"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token on device-facing routes and injects the
// caregiver and device identity into the request context.
func Auth(signingKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	key := []byte(signingKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token"))
				return
			}

			claims := &caregiverClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, dErrors.Newf(dErrors.CodeUnauthorized, "unexpected signing method %v", t.Header["alg"])
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "token validation failed",
					slog.String("error", errString(err)),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid token"))
				return
			}

			caregiverID, err := id.ParseCaregiverID(claims.CaregiverID)
			if err != nil {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "token missing caregiver identity"))
				return
			}

			ctx := requestcontext.WithCaregiverID(r.Context(), caregiverID)
			if claims.DeviceID != "" {
				ctx = requestcontext.WithDeviceID(ctx, claims.DeviceID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func errString(err error) string {
	if err == nil {
		return "token invalid"
	}
	return err.Error()
}
