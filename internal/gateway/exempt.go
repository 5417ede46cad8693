package gateway

import (
	"net/http"
	"strings"
)

const (
	PathAuthWithPassword = "/api/collections/users/auth-with-password"
	PathAuthRefresh      = "/api/collections/users/auth-refresh"
	PathUserRecords      = "/api/collections/users/records"
)

// isExempt reports whether the endpoint takes part in authentication itself
// and therefore must never trigger a refresh.
func isExempt(method, endpoint string) bool {
	path := endpoint
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")

	switch {
	case strings.HasSuffix(path, "/auth-with-password"):
		return true
	case strings.HasSuffix(path, "/auth-refresh"):
		return true
	case method == http.MethodPost && path == PathUserRecords:
		// signup
		return true
	}

	return false
}
