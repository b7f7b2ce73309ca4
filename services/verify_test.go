package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphere-arena/models"
	"sphere-arena/utils"
)

const (
	testSender    = "SenderWallet1111111111111111111111111111111"
	testRecipient = "TreasuryWallet111111111111111111111111111111"
	testMint      = "MintAddr111111111111111111111111111111111111"
)

// solanaRPCBody renders a getTransaction response with the given balance
// deltas (atomic units) for sender and recipient in mint.
func solanaRPCBody(senderSigned bool, onChainErr string, senderPre, senderPost, recipPre, recipPost int64) string {
	errField := "null"
	if onChainErr != "" {
		errField = fmt.Sprintf("%q", onChainErr)
	}
	return fmt.Sprintf(`{
		"jsonrpc": "2.0", "id": 1,
		"result": {
			"meta": {
				"err": %s,
				"preTokenBalances": [
					{"mint": %q, "owner": %q, "uiTokenAmount": {"amount": "%d"}},
					{"mint": %q, "owner": %q, "uiTokenAmount": {"amount": "%d"}}
				],
				"postTokenBalances": [
					{"mint": %q, "owner": %q, "uiTokenAmount": {"amount": "%d"}},
					{"mint": %q, "owner": %q, "uiTokenAmount": {"amount": "%d"}}
				]
			},
			"transaction": {"message": {"accountKeys": [
				{"pubkey": %q, "signer": %t},
				{"pubkey": %q, "signer": false}
			]}}
		}
	}`, errField,
		testMint, testSender, senderPre, testMint, testRecipient, recipPre,
		testMint, testSender, senderPost, testMint, testRecipient, recipPost,
		testSender, senderSigned, testRecipient)
}

func solanaVerifier() *SolanaVerifier {
	return &SolanaVerifier{
		Recipient: testRecipient,
		Mint:      testMint,
		FeeAtomic: big.NewInt(1000),
	}
}

func rpcServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSolanaVerifyPasses(t *testing.T) {
	srv := rpcServer(t, solanaRPCBody(true, "", 5000, 4000, 0, 1000))
	outcome, err := solanaVerifier().Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.True(t, outcome.OK)
}

func TestSolanaVerifyRejectsUnderpayment(t *testing.T) {
	srv := rpcServer(t, solanaRPCBody(true, "", 5000, 4001, 0, 999))
	outcome, err := solanaVerifier().Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Reason, "below required fee")
}

func TestSolanaVerifyRejectsOneSidedEvidence(t *testing.T) {
	// Recipient gains the fee but the sender's balance never moves:
	// spoofed one-sided proof must fail.
	srv := rpcServer(t, solanaRPCBody(true, "", 5000, 5000, 0, 1000))
	outcome, err := solanaVerifier().Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Reason, "sender balance decrease")
}

func TestSolanaVerifyRejectsNonSigner(t *testing.T) {
	srv := rpcServer(t, solanaRPCBody(false, "", 5000, 4000, 0, 1000))
	outcome, err := solanaVerifier().Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Reason, "not a signer")
}

func TestSolanaVerifyRejectsFailedTx(t *testing.T) {
	srv := rpcServer(t, solanaRPCBody(true, "InstructionError", 5000, 4000, 0, 1000))
	outcome, err := solanaVerifier().Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Reason, "failed on-chain")
}

func TestSolanaVerifyRejectsMissingTx(t *testing.T) {
	srv := rpcServer(t, `{"jsonrpc":"2.0","id":1,"result":null}`)
	outcome, err := solanaVerifier().Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Equal(t, "transaction not found", outcome.Reason)
}

func TestSolanaVerifyWrongMintIsRejected(t *testing.T) {
	v := solanaVerifier()
	v.Mint = "OtherMint111111111111111111111111111111111"
	srv := rpcServer(t, solanaRPCBody(true, "", 5000, 4000, 0, 1000))
	outcome, err := v.Verify(context.Background(), srv.URL, "txsig", testSender)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Reason, "required token mint")
}

// --- orchestrator ---

type fakeCache struct {
	hits map[string]string
	sets int
}

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f.hits[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.sets++
	if f.hits == nil {
		f.hits = map[string]string{}
	}
	f.hits[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func verifyServiceFor(endpoints []string, verifier ChainVerifier, cache *fakeCache) *VerifyService {
	s := &VerifyService{
		rdb:    cache,
		chains: make(map[string]*chainBackend),
		retry:  utils.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: time.Second},
	}
	s.register(models.ChainSOL, endpoints, verifier)
	return s
}

func TestVerifyFallsBackToNextEndpoint(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := rpcServer(t, solanaRPCBody(true, "", 5000, 4000, 0, 1000))

	cache := &fakeCache{}
	s := verifyServiceFor([]string{down.URL, up.URL}, solanaVerifier(), cache)

	ok, reason, err := s.Verify(context.Background(), models.ChainSOL, "txsig", testSender)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.Equal(t, 1, cache.sets, "pass must be cached")
}

func TestVerifyCacheShortCircuits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, solanaRPCBody(true, "", 5000, 4000, 0, 1000))
	}))
	defer srv.Close()

	cache := &fakeCache{hits: map[string]string{
		verifyCachePrefix + NormalizeTxID(models.ChainSOL, "TxSig"): "1",
	}}
	s := verifyServiceFor([]string{srv.URL}, solanaVerifier(), cache)

	ok, _, err := s.Verify(context.Background(), models.ChainSOL, "TxSig", testSender)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, calls, "cached pass must not hit RPC")
}

func TestVerifyAllEndpointsDownIsError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	s := verifyServiceFor([]string{down.URL}, solanaVerifier(), &fakeCache{})
	ok, _, err := s.Verify(context.Background(), models.ChainSOL, "txsig", testSender)
	assert.False(t, ok)
	assert.Error(t, err)
}

// --- normalization ---

func TestNormalizeTxIDIsCaseInsensitive(t *testing.T) {
	a := NormalizeTxID("SOL", "ABCdef123")
	b := NormalizeTxID("sol", "abcDEF123")
	assert.Equal(t, a, b)
	assert.Equal(t, "sol:abcdef123", a)
}

func TestNormalizeTONAddressFormsAgree(t *testing.T) {
	// Raw and friendly encodings of the same account must normalize
	// identically. Friendly form built from the raw bytes + crc16.
	rawHex := "3333333333333333333333333333333333333333333333333333333333333333"
	payload := make([]byte, 34)
	payload[0] = 0x11 // bounceable tag
	payload[1] = 0x00 // workchain 0
	for i := 2; i < 34; i++ {
		payload[i] = 0x33
	}
	crc := crc16ccitt(payload)
	friendly := append(payload, byte(crc>>8), byte(crc&0xff))

	fromRaw, err := NormalizeTONAddress("0:" + rawHex)
	require.NoError(t, err)
	fromFriendly, err := NormalizeTONAddress(base64.StdEncoding.EncodeToString(friendly))
	require.NoError(t, err)
	assert.Equal(t, fromRaw, fromFriendly)
	assert.Equal(t, "0:"+rawHex, fromRaw)
}

func TestNormalizeTONAddressRejectsBadChecksum(t *testing.T) {
	payload := make([]byte, 36)
	payload[0] = 0x11
	_, err := NormalizeTONAddress(base64.StdEncoding.EncodeToString(payload))
	assert.Error(t, err)
}

