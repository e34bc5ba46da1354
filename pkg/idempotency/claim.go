package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the claim only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Store holds short-lived in-flight claims so two consumer instances do not
// run the same delivery concurrently during a rebalance. The Postgres inbox
// remains the record of what was processed.
type Store struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	owner string
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration, owner string) *Store {
	return &Store{rdb: rdb, ttl: ttl, owner: owner}
}

func (s *Store) Key(consumer, messageID string) string {
	return fmt.Sprintf("claim:%s:%s", consumer, messageID)
}

// Claim reports whether the caller won the claim for this delivery.
func (s *Store) Claim(ctx context.Context, consumer, messageID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.Key(consumer, messageID), s.owner, s.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) Release(ctx context.Context, consumer, messageID string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.Key(consumer, messageID)}, s.owner).Err()
}
