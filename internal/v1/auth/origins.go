package auth

import "strings"

// AllowedOrigins splits a comma-separated origin list (as loaded into
// config.Config.AllowedOrigins) into a slice, trimming whitespace around
// each entry.
func AllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// IsOriginAllowed reports whether origin matches one of the allowed
// origins. "*" in the list matches any origin.
func IsOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
