package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sphere-arena/models"
	"sphere-arena/utils"
)

const (
	verifyCacheTTL    = 24 * time.Hour
	verifyCachePrefix = "arena:verified:"

	breakerThreshold    = 3
	breakerResetTimeout = 30 * time.Second
)

var defaultRetry = utils.RetryConfig{
	MaxRetries: 2,
	BaseDelay:  300 * time.Millisecond,
	MaxDelay:   3 * time.Second,
	Timeout:    10 * time.Second,
}

// VerifyOutcome is an authoritative answer from a chain endpoint: the
// payment either checks out or definitively does not. Endpoint trouble is
// an error instead, and falls through to the next endpoint.
type VerifyOutcome struct {
	OK     bool
	Reason string // set when !OK: the specific mismatched check
}

// ChainVerifier performs the chain-specific checks against one endpoint.
type ChainVerifier interface {
	Verify(ctx context.Context, endpoint, txHash, senderWallet string) (*VerifyOutcome, error)
}

type chainBackend struct {
	endpoints []string
	verifier  ChainVerifier
	breakers  map[string]*utils.CircuitBreaker
}

// verifyCache is the slice of the redis API the pass-cache needs.
// *redis.Client satisfies it.
type verifyCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// VerifyService gates match entry on on-chain payment proof: multi-endpoint
// fallback per chain, a breaker+retry around every endpoint, and a 24h
// pass-cache so idempotent resubmits skip external RPCs.
type VerifyService struct {
	rdb    verifyCache
	chains map[string]*chainBackend
	retry  utils.RetryConfig
}

func NewVerifyService(rdb *redis.Client) *VerifyService {
	s := &VerifyService{
		rdb:    rdb,
		chains: make(map[string]*chainBackend),
		retry:  defaultRetry,
	}
	s.register(models.ChainSOL, envList("SOLANA_RPC_ENDPOINTS"), NewSolanaVerifierFromEnv())
	s.register(models.ChainTON, envList("TON_API_ENDPOINTS"), NewTONVerifierFromEnv())
	return s
}

func (s *VerifyService) register(chain string, endpoints []string, verifier ChainVerifier) {
	breakers := make(map[string]*utils.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep] = utils.NewCircuitBreaker(breakerThreshold, breakerResetTimeout)
	}
	s.chains[chain] = &chainBackend{endpoints: endpoints, verifier: verifier, breakers: breakers}
}

// NormalizeTxID builds the global replay-prevention key: chain-prefixed,
// case-normalized. The raw hash is still what gets sent to RPCs.
func NormalizeTxID(chain, txHash string) string {
	return strings.ToLower(strings.TrimSpace(chain)) + ":" + strings.ToLower(strings.TrimSpace(txHash))
}

// Verify answers whether txHash pays the entry fee from senderWallet on
// chain. Strict by default: absence of proof is failure. The reason string
// names the failed check for operator diagnosis.
func (s *VerifyService) Verify(ctx context.Context, chain, txHash, senderWallet string) (bool, string, error) {
	backend, ok := s.chains[chain]
	if !ok || backend.verifier == nil {
		return false, "unsupported chain", nil
	}
	if len(backend.endpoints) == 0 {
		return false, "", fmt.Errorf("no RPC endpoints configured for chain %s", chain)
	}

	cacheKey := verifyCachePrefix + NormalizeTxID(chain, txHash)
	if cached, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil && cached == "1" {
		log.Printf("✅ [VERIFY] Cache hit for %s", cacheKey)
		return true, "", nil
	}

	var lastErr error
	for _, endpoint := range backend.endpoints {
		var outcome *VerifyOutcome
		err := backend.breakers[endpoint].Do(func() error {
			var attemptErr error
			outcome, attemptErr = utils.Retry(ctx, func(ctx context.Context) (*VerifyOutcome, error) {
				return backend.verifier.Verify(ctx, endpoint, txHash, senderWallet)
			}, s.retry)
			return attemptErr
		})
		if err != nil {
			log.Printf("⚠️  [VERIFY] Endpoint %s unusable for %s tx: %v", endpoint, chain, err)
			lastErr = err
			continue
		}

		// Authoritative answer: pass or definitive fail. Fails are never
		// retried elsewhere — a failed payment is not transient.
		if outcome.OK {
			if err := s.rdb.Set(ctx, cacheKey, "1", verifyCacheTTL).Err(); err != nil {
				log.Printf("⚠️  [VERIFY] Cache write failed for %s: %v", cacheKey, err)
			}
			return true, "", nil
		}
		log.Printf("❌ [VERIFY] %s tx rejected: %s", chain, outcome.Reason)
		return false, outcome.Reason, nil
	}

	// Degraded tier: existence-only confirmation for chains whose strict
	// endpoints are all down. Explicitly weaker and off by default.
	if ton, ok := backend.verifier.(*TONVerifier); ok && ton.AllowExistenceFallback {
		log.Printf("⚠️  [VERIFY] DEGRADED: falling back to existence-only check for TON tx (no amount/asset/party verification)")
		outcome, err := ton.VerifyExistenceOnly(ctx, txHash)
		if err == nil {
			if outcome.OK {
				if err := s.rdb.Set(ctx, cacheKey, "1", verifyCacheTTL).Err(); err != nil {
					log.Printf("⚠️  [VERIFY] Cache write failed for %s: %v", cacheKey, err)
				}
				return true, "", nil
			}
			return false, outcome.Reason, nil
		}
		lastErr = err
	}

	return false, "", fmt.Errorf("all %s endpoints failed: %w", chain, lastErr)
}

// envList reads a comma-separated env var into trimmed entries.
func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envAtomic parses a required integer atomic-unit amount. Amounts never
// pass through floating point.
func envAtomic(key string) *big.Int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		log.Fatalf("❌ %s must be an integer atomic-unit amount, got %q", key, raw)
	}
	return n
}
