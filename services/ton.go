package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"

	"sphere-arena/utils"
)

// TONVerifier checks a jetton transfer via the tonapi event API: the event
// exists and completed, and carries a JettonTransfer action whose sender,
// recipient, jetton master and amount all match the configured entry fee.
//
// An existence-only fallback (toncenter-style getTransactions) is
// explicitly weaker: it confirms the recipient saw a tx with that hash and
// nothing about amount or asset. It is disabled unless
// TON_ALLOW_EXISTENCE_FALLBACK=true and always logged as degraded.
type TONVerifier struct {
	Recipient    string // canonical workchain:hex form
	JettonMaster string // canonical workchain:hex form
	FeeAtomic    *big.Int

	AllowExistenceFallback bool
	FallbackEndpoint       string
}

func NewTONVerifierFromEnv() *TONVerifier {
	v := &TONVerifier{
		FeeAtomic:              envAtomic("TON_FEE_ATOMIC"),
		AllowExistenceFallback: strings.EqualFold(os.Getenv("TON_ALLOW_EXISTENCE_FALLBACK"), "true"),
		FallbackEndpoint:       strings.TrimSpace(os.Getenv("TON_FALLBACK_ENDPOINT")),
	}
	if addr, err := NormalizeTONAddress(os.Getenv("TON_RECIPIENT_WALLET")); err == nil {
		v.Recipient = addr
	}
	if addr, err := NormalizeTONAddress(os.Getenv("TON_JETTON_MASTER")); err == nil {
		v.JettonMaster = addr
	}
	return v
}

type tonAccount struct {
	Address string `json:"address"`
}

type tonEventResponse struct {
	InProgress bool `json:"in_progress"`
	Actions    []struct {
		Type           string `json:"type"`
		Status         string `json:"status"`
		JettonTransfer *struct {
			Sender    tonAccount `json:"sender"`
			Recipient tonAccount `json:"recipient"`
			Amount    string     `json:"amount"`
			Jetton    struct {
				Address string `json:"address"`
			} `json:"jetton"`
		} `json:"JettonTransfer"`
	} `json:"actions"`
}

func (v *TONVerifier) Verify(ctx context.Context, endpoint, txHash, senderWallet string) (*VerifyOutcome, error) {
	expectedSender, err := NormalizeTONAddress(senderWallet)
	if err != nil {
		return &VerifyOutcome{Reason: fmt.Sprintf("invalid sender wallet address: %v", err)}, nil
	}

	reqURL := fmt.Sprintf("%s/v2/events/%s", strings.TrimRight(endpoint, "/"), url.PathEscape(strings.TrimSpace(txHash)))
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ton request: %w", err)
	}

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ton api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &VerifyOutcome{Reason: "transaction not found"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ton api returned status %d", resp.StatusCode)
	}

	var event tonEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode ton response: %w", err)
	}
	if event.InProgress {
		return nil, fmt.Errorf("ton event still in progress")
	}

	for _, action := range event.Actions {
		if action.Type != "JettonTransfer" || action.JettonTransfer == nil {
			continue
		}
		if action.Status != "ok" {
			return &VerifyOutcome{Reason: "jetton transfer action did not complete"}, nil
		}

		transfer := action.JettonTransfer
		sender, err := NormalizeTONAddress(transfer.Sender.Address)
		if err != nil || sender != expectedSender {
			return &VerifyOutcome{Reason: "jetton transfer sender does not match wallet"}, nil
		}
		recipient, err := NormalizeTONAddress(transfer.Recipient.Address)
		if err != nil || recipient != v.Recipient {
			return &VerifyOutcome{Reason: "jetton transfer recipient does not match treasury"}, nil
		}
		master, err := NormalizeTONAddress(transfer.Jetton.Address)
		if err != nil || master != v.JettonMaster {
			return &VerifyOutcome{Reason: "jetton master does not match required asset"}, nil
		}
		amount, ok := new(big.Int).SetString(transfer.Amount, 10)
		if !ok {
			return &VerifyOutcome{Reason: "jetton transfer amount unparsable"}, nil
		}
		if amount.Cmp(v.FeeAtomic) < 0 {
			return &VerifyOutcome{Reason: fmt.Sprintf("jetton amount %s below required fee %s", amount, v.FeeAtomic)}, nil
		}
		return &VerifyOutcome{OK: true}, nil
	}

	return &VerifyOutcome{Reason: "no jetton transfer action in transaction"}, nil
}

// VerifyExistenceOnly is the degraded tier: confirms a transaction with the
// given hash reached the treasury account, nothing more.
func (v *TONVerifier) VerifyExistenceOnly(ctx context.Context, txHash string) (*VerifyOutcome, error) {
	if v.FallbackEndpoint == "" {
		return nil, fmt.Errorf("no ton fallback endpoint configured")
	}

	reqURL := fmt.Sprintf("%s/api/v2/getTransactions?address=%s&hash=%s&limit=1",
		strings.TrimRight(v.FallbackEndpoint, "/"),
		url.QueryEscape(v.Recipient),
		url.QueryEscape(strings.TrimSpace(txHash)))
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ton fallback request: %w", err)
	}

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ton fallback call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ton fallback returned status %d", resp.StatusCode)
	}

	var result struct {
		OK     bool              `json:"ok"`
		Result []json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode ton fallback response: %w", err)
	}
	if !result.OK || len(result.Result) == 0 {
		return &VerifyOutcome{Reason: "transaction not found at treasury (existence check)"}, nil
	}
	return &VerifyOutcome{OK: true}, nil
}

// NormalizeTONAddress canonicalizes either TON address form to
// "workchain:hex". Raw form ("0:abc...") is lowercased and zero-padded;
// user-friendly form (48-char base64 of tag+workchain+hash+crc16) is
// decoded and checksum-validated.
func NormalizeTONAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}

	if i := strings.IndexByte(addr, ':'); i >= 0 {
		wc := addr[:i]
		hexPart := strings.ToLower(addr[i+1:])
		if len(hexPart) > 64 {
			return "", fmt.Errorf("address hash too long")
		}
		for _, c := range hexPart {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				return "", fmt.Errorf("address hash is not hex")
			}
		}
		return wc + ":" + strings.Repeat("0", 64-len(hexPart)) + hexPart, nil
	}

	// Friendly form: base64 or base64url, 36 bytes.
	normalized := strings.ReplaceAll(strings.ReplaceAll(addr, "-", "+"), "_", "/")
	raw, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return "", fmt.Errorf("address is not valid base64: %w", err)
	}
	if len(raw) != 36 {
		return "", fmt.Errorf("friendly address must decode to 36 bytes, got %d", len(raw))
	}
	if crc16ccitt(raw[:34]) != uint16(raw[34])<<8|uint16(raw[35]) {
		return "", fmt.Errorf("address checksum mismatch")
	}
	workchain := int8(raw[1])
	return fmt.Sprintf("%d:%x", workchain, raw[2:34]), nil
}

// crc16ccitt (XMODEM variant) as used by TON friendly addresses.
func crc16ccitt(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
