package services

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	leaderLockKey = "arena:leader"
	// Poll faster than the lease expires so a healthy leader renews well
	// inside the TTL.
	leaderPollInterval = 1 * time.Second
	leaderLeaseTTL     = 2 * time.Second
)

// releaseScript deletes the lease only while this instance still holds it,
// atomically. GET-then-DEL would race a successor that acquired the lease
// between the two calls and tear down its fresh lease.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// leaseStore is the slice of the redis API the elector needs.
// *redis.Client satisfies it.
type leaseStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// LeaderService elects exactly one simulation-driving instance across the
// fleet via a renewable redis lease. Every instance keeps serving HTTP and
// relaying events; only the holder of the lease ticks physics.
type LeaderService struct {
	rdb        leaseStore
	instanceID string
	leader     atomic.Bool
}

func NewLeaderService(rdb *redis.Client) *LeaderService {
	return &LeaderService{
		rdb:        rdb,
		instanceID: uuid.NewString(),
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (s *LeaderService) IsLeader() bool {
	return s.leader.Load()
}

// InstanceID identifies this process in the lease value.
func (s *LeaderService) InstanceID() string {
	return s.instanceID
}

// Run polls the lease until ctx is done.
func (s *LeaderService) Run(ctx context.Context) {
	log.Printf("Leader elector started (instance %s)", s.instanceID)
	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.release()
			log.Println("Leader elector stopped.")
			return
		case <-ticker.C:
			was := s.leader.Load()
			now := s.tryAcquire(ctx)
			s.leader.Store(now)
			if now && !was {
				log.Printf("👑 Instance %s acquired simulation leadership", s.instanceID)
			} else if !now && was {
				log.Printf("⚠️  Instance %s lost simulation leadership", s.instanceID)
			}
		}
	}
}

// tryAcquire attempts set-if-absent with TTL, renewing when this instance
// already holds the lock. Any redis error means "not leader" for this
// cycle: a transient zero-leader gap is safe, two leaders are not.
func (s *LeaderService) tryAcquire(ctx context.Context) bool {
	ok, err := s.rdb.SetNX(ctx, leaderLockKey, s.instanceID, leaderLeaseTTL).Result()
	if err != nil {
		log.Printf("❌ Leader lease acquire error: %v", err)
		return false
	}
	if ok {
		return true
	}

	holder, err := s.rdb.Get(ctx, leaderLockKey).Result()
	if err != nil {
		// Includes redis.Nil when the lease expired between the two calls;
		// the next poll will contend for it.
		return false
	}
	if holder != s.instanceID {
		return false
	}

	if err := s.rdb.Expire(ctx, leaderLockKey, leaderLeaseTTL).Err(); err != nil {
		log.Printf("❌ Leader lease renew error: %v", err)
		return false
	}
	return true
}

// release drops the lease on shutdown so a successor does not wait out the
// TTL. Best effort.
func (s *LeaderService) release() {
	if !s.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.rdb.Eval(ctx, releaseScript, []string{leaderLockKey}, s.instanceID).Err(); err != nil {
		log.Printf("⚠️  Leader lease release error: %v", err)
	}
	s.leader.Store(false)
}
