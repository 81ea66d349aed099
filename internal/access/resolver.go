package access

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/khanhvc/exercode/internal/errors"
)

// RedisResolver resolves bearer tokens against sessions written by the
// authentication collaborator. A missing or expired key means the token is
// not (or no longer) valid.
type RedisResolver struct {
	rc     redis.UniversalClient
	prefix string
}

func NewRedisResolver(rc redis.UniversalClient, prefix string) *RedisResolver {
	return &RedisResolver{rc: rc, prefix: prefix}
}

func (r *RedisResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	raw, err := r.rc.Get(ctx, fmt.Sprintf("%s:token:%s", r.prefix, token)).Bytes()
	if err == redis.Nil {
		return Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("unknown or expired token"))
	}
	if err != nil {
		return Identity{}, errors.New(errors.CodeUnavailable, errors.WithCause(err),
			errors.WithMessagef("session store unreachable"))
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, errors.Internal(err)
	}

	if !id.Authenticated() {
		return Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("session is missing a user"))
	}

	return id, nil
}
