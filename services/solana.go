package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"

	"sphere-arena/utils"
)

// SolanaVerifier checks an SPL token transfer via JSON-RPC getTransaction:
// the tx exists and succeeded, the sender signed it, and the token-balance
// deltas show the recipient gaining and the sender losing at least the fee
// in the required mint. Both sides are checked so one-sided spoofed
// evidence cannot pass.
type SolanaVerifier struct {
	Recipient string   // wallet owning the treasury token account
	Mint      string   // required SPL mint
	FeeAtomic *big.Int // entry fee in atomic units
}

func NewSolanaVerifierFromEnv() *SolanaVerifier {
	return &SolanaVerifier{
		Recipient: strings.TrimSpace(os.Getenv("SOLANA_RECIPIENT_WALLET")),
		Mint:      strings.TrimSpace(os.Getenv("SOLANA_REQUIRED_MINT")),
		FeeAtomic: envAtomic("SOLANA_FEE_ATOMIC"),
	}
}

type solanaTokenBalance struct {
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"` // atomic units as decimal string
	} `json:"uiTokenAmount"`
}

type solanaTxResponse struct {
	Result *struct {
		Meta *struct {
			Err               interface{}          `json:"err"`
			PreTokenBalances  []solanaTokenBalance `json:"preTokenBalances"`
			PostTokenBalances []solanaTokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys []struct {
					Pubkey string `json:"pubkey"`
					Signer bool   `json:"signer"`
				} `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (v *SolanaVerifier) Verify(ctx context.Context, endpoint, txHash, senderWallet string) (*VerifyOutcome, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "getTransaction",
		"params": []interface{}{
			strings.TrimSpace(txHash),
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	})

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build solana request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solana rpc call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solana rpc returned status %d", resp.StatusCode)
	}

	var rpc solanaTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("failed to decode solana response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("solana rpc error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}

	// A confirmed endpoint answering "no such tx" is definitive.
	if rpc.Result == nil {
		return &VerifyOutcome{Reason: "transaction not found"}, nil
	}
	meta := rpc.Result.Meta
	if meta == nil {
		return &VerifyOutcome{Reason: "transaction has no metadata"}, nil
	}
	if meta.Err != nil {
		return &VerifyOutcome{Reason: "transaction failed on-chain"}, nil
	}

	sender := strings.TrimSpace(senderWallet)
	signed := false
	for _, key := range rpc.Result.Transaction.Message.AccountKeys {
		if key.Signer && key.Pubkey == sender {
			signed = true
			break
		}
	}
	if !signed {
		return &VerifyOutcome{Reason: "sender wallet is not a signer of the transaction"}, nil
	}

	if !mintPresent(meta.PreTokenBalances, v.Mint) && !mintPresent(meta.PostTokenBalances, v.Mint) {
		return &VerifyOutcome{Reason: "transaction does not involve the required token mint"}, nil
	}

	recipientDelta := tokenDelta(meta.PreTokenBalances, meta.PostTokenBalances, v.Recipient, v.Mint)
	if recipientDelta.Cmp(v.FeeAtomic) < 0 {
		return &VerifyOutcome{Reason: fmt.Sprintf("recipient balance increase %s below required fee %s", recipientDelta, v.FeeAtomic)}, nil
	}

	senderDelta := tokenDelta(meta.PreTokenBalances, meta.PostTokenBalances, sender, v.Mint)
	if senderDelta.Cmp(new(big.Int).Neg(v.FeeAtomic)) > 0 {
		return &VerifyOutcome{Reason: fmt.Sprintf("sender balance decrease %s below required fee %s", new(big.Int).Neg(senderDelta), v.FeeAtomic)}, nil
	}

	return &VerifyOutcome{OK: true}, nil
}

func mintPresent(balances []solanaTokenBalance, mint string) bool {
	for _, b := range balances {
		if b.Mint == mint {
			return true
		}
	}
	return false
}

// tokenDelta computes post−pre for the given owner in the given mint, in
// atomic units. Balances missing on one side count as zero (account
// created or emptied by this tx).
func tokenDelta(pre, post []solanaTokenBalance, owner, mint string) *big.Int {
	sum := func(balances []solanaTokenBalance) *big.Int {
		total := new(big.Int)
		for _, b := range balances {
			if b.Owner != owner || b.Mint != mint {
				continue
			}
			amount, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10)
			if !ok {
				continue
			}
			total.Add(total, amount)
		}
		return total
	}
	return new(big.Int).Sub(sum(post), sum(pre))
}
