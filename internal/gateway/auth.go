package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// TokenKeyPrefix is the Redis key prefix under which the main application
// stores session tokens at login: auth:token:<token> -> user id.
const TokenKeyPrefix = "auth:token:"

// ErrInvalidToken is returned for unknown or expired connect tokens.
var ErrInvalidToken = errors.New("gateway: invalid token")

// TokenAuthenticator resolves connect tokens against the shared Redis
// session keyspace written by the main application at login.
type TokenAuthenticator struct {
	rdb *redis.Client
}

// NewTokenAuthenticator creates a TokenAuthenticator backed by Redis.
func NewTokenAuthenticator(rdb *redis.Client) *TokenAuthenticator {
	return &TokenAuthenticator{rdb: rdb}
}

// Authenticate looks the token up and returns the user id it was issued to.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	userID, err := a.rdb.Get(ctx, TokenKeyPrefix+token).Result()
	if err == redis.Nil {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("gateway: token lookup: %w", err)
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
