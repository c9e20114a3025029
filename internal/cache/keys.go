package cache

import "time"

const (
	BlacklistKeyPrefix = "blacklist:"
	OAuthStatePrefix   = "oauth_state:"
	RecoveryKeyPrefix  = "recovery:"
	ProfileKeyPrefix   = "profile:"
	RateLimitKeyPrefix = "ratelimit:"
)

const (
	OAuthStateTTL = 10 * time.Minute
	RecoveryTTL   = time.Hour
	ProfileTTL    = 5 * time.Minute
)

func BlacklistKey(jti string) string {
	return BlacklistKeyPrefix + jti
}

func OAuthStateKey(state string) string {
	return OAuthStatePrefix + state
}

func RecoveryKey(token string) string {
	return RecoveryKeyPrefix + token
}

func ProfileKey(username string) string {
	return ProfileKeyPrefix + username
}

// RateLimitKey counts hits of rule by subject, e.g. "ratelimit:login:ip:10.0.0.1".
func RateLimitKey(rule, subject string) string {
	return RateLimitKeyPrefix + rule + ":" + subject
}
