package observability

import (
	"strings"
	"unicode"
)

// Rune limits for values copied from requests into log entries and metric attributes.
const (
	defaultStringLimit = 256
	routeLimit         = 180
	methodLimit        = 10
	callerLimit        = 64
)

// sanitizeString keeps at most limit runes of value, dropping control characters other than tab.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	kept := 0
	for _, r := range value {
		if kept == limit {
			break
		}
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		b.WriteRune(r)
		kept++
	}
	return b.String()
}

// logRoute renders a chi pattern or raw path; an empty route is the root.
func logRoute(route string) string {
	if route = sanitizeString(route, routeLimit); route == "" {
		return "/"
	}
	return route
}

func logMethod(method string) string {
	return strings.ToUpper(sanitizeString(method, methodLimit))
}

// logCaller bounds the caller identity, an IP or a push service account email.
func logCaller(id string) string {
	return sanitizeString(strings.TrimSpace(id), callerLimit)
}
