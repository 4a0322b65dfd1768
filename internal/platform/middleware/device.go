package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"carebridge/pkg/requestcontext"
)

// DeviceName derives a human-readable device display name from the User-Agent
// header and stores it in context. The mutation endpoint records it alongside
// replayed clock events for the audit trail.
func DeviceName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ParseUserAgent(r.UserAgent())
		ctx := requestcontext.WithDeviceName(r.Context(), name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ParseUserAgent formats a User-Agent string as "<browser> on <platform/OS>".
// Returns "Unknown Device" when the header is empty.
func ParseUserAgent(raw string) string {
	if raw == "" {
		return "Unknown Device"
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	platform := ua.Platform()
	osName := ua.OS()

	where := platform
	if where == "" {
		where = osName
	} else if osName != "" && !strings.Contains(platform, osName) {
		where = fmt.Sprintf("%s (%s)", platform, osName)
	}
	if browser == "" {
		browser = "Unknown"
	}
	if where == "" {
		where = "Unknown"
	}
	return fmt.Sprintf("%s on %s", browser, where)
}
