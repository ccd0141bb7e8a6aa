package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Blacklist is the C11 token blacklist store: a fast-expiry Redis lookup
// for revoked credentials, consumed by the auth contract and by the
// policy gate's global-revocation check.
//
// Fills internal/security/jwt_service.go's RevokeToken TODO
// ("// TODO: Add to token blacklist in database or cache") with a real
// implementation.
type Blacklist struct {
	client *redis.Client
}

func NewBlacklist(client *redis.Client) *Blacklist {
	return &Blacklist{client: client}
}

const userRevocationKeyPrefix = "blacklist:user:"
const tokenBlacklistKeyPrefix = "blacklist:token:"

// Blacklist revokes tokenID until expiresAt.
func (b *Blacklist) Blacklist(ctx context.Context, tokenID, reason string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil // already expired, nothing to record
	}
	return b.client.Set(ctx, tokenBlacklistKeyPrefix+tokenID, reason, ttl).Err()
}

// IsBlacklisted reports whether tokenID has been revoked. On store outage
// it fails closed (returns true): an unreachable blacklist must never be
// mistaken for an empty one.
func (b *Blacklist) IsBlacklisted(ctx context.Context, tokenID string) bool {
	if tokenID == "" {
		return false
	}
	_, err := b.client.Get(ctx, tokenBlacklistKeyPrefix+tokenID).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		return true
	}
	return true
}

// BlacklistAllForUser revokes every credential for userID by recording a
// global revocation marker; IsUserRevoked consults it regardless of which
// token was presented. TTL bounds how long the marker needs to be checked
// — long enough to outlive any token this service issues.
func (b *Blacklist) BlacklistAllForUser(ctx context.Context, userID, reason string, ttl time.Duration) error {
	return b.client.Set(ctx, userRevocationKeyPrefix+userID, reason, ttl).Err()
}

// IsUserRevoked reports whether userID has been globally revoked. Fails
// closed like IsBlacklisted. Implements the policy.RevocationChecker
// interface consumed by C3.
func (b *Blacklist) IsUserRevoked(ctx context.Context, userID string) (bool, error) {
	_, err := b.client.Get(ctx, userRevocationKeyPrefix+userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("check user revocation: %w", err)
	}
	return true, nil
}
