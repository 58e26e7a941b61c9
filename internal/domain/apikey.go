package domain

import "time"

// PermissionWildcard grants every permission.
const PermissionWildcard = "*"

// APIKey is a stored API credential. Only the hash of the raw key is kept.
type APIKey struct {
	ID          string
	UserID      string
	Name        string
	KeyHash     string
	Permissions []string
	RateLimit   int
	Environment string
	IsActive    bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Expired reports whether the key has passed its expiry at now.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// HasPermissions reports whether every required permission is granted.
func (k APIKey) HasPermissions(required []string) bool {
	granted := make(map[string]struct{}, len(k.Permissions))
	for _, p := range k.Permissions {
		if p == PermissionWildcard {
			return true
		}
		granted[p] = struct{}{}
	}
	for _, p := range required {
		if _, ok := granted[p]; !ok {
			return false
		}
	}
	return true
}

// APIUsage is one persisted request made with an API key.
type APIUsage struct {
	ID             int64
	KeyID          string
	Endpoint       string
	Method         string
	StatusCode     int
	ResponseTimeMS int64
	IP             string
	UserAgent      string
	CreatedAt      time.Time
}
