package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to a settlement gateway over its JSON HTTP API. The
// gateway owns the keys and the actual chain connection; this client only
// submits intents and polls status.
type HTTPClient struct {
	base     string
	treasury string
	client   *http.Client
}

// NewHTTPClient creates a client for the gateway at base.
func NewHTTPClient(base, treasury string) *HTTPClient {
	return &HTTPClient{
		base:     base,
		treasury: treasury,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type txResponse struct {
	TxRef        string `json:"tx_ref"`
	ExpiryHeight int64  `json:"expiry_height"`
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chain request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("chain request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) GetBalance(ctx context.Context, address string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	if err := c.get(ctx, "/balance/"+address, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, requestID, dest string, amount int64) (TxReceipt, error) {
	var out txResponse
	err := c.post(ctx, "/transfer", map[string]any{
		"request_id":  requestID,
		"destination": dest,
		"amount":      amount,
	}, &out)
	if err != nil {
		return TxReceipt{}, err
	}
	return TxReceipt{TxRef: out.TxRef, ExpiryHeight: out.ExpiryHeight}, nil
}

func (c *HTTPClient) BatchTransfer(ctx context.Context, requestID string, dests []string, amounts []int64) (TxReceipt, error) {
	var out txResponse
	err := c.post(ctx, "/batch_transfer", map[string]any{
		"request_id":   requestID,
		"destinations": dests,
		"amounts":      amounts,
	}, &out)
	if err != nil {
		return TxReceipt{}, err
	}
	return TxReceipt{TxRef: out.TxRef, ExpiryHeight: out.ExpiryHeight}, nil
}

func (c *HTTPClient) CollectPayment(ctx context.Context, depositID int64, source, creatorDest string, amount int64, splitRatio float64) (TxReceipt, error) {
	var out txResponse
	err := c.post(ctx, "/collect_payment", map[string]any{
		"deposit_id":   depositID,
		"source":       source,
		"creator_dest": creatorDest,
		"amount":       amount,
		"split_ratio":  splitRatio,
	}, &out)
	if err != nil {
		return TxReceipt{}, err
	}
	return TxReceipt{TxRef: out.TxRef, ExpiryHeight: out.ExpiryHeight}, nil
}

func (c *HTTPClient) CollectStaking(ctx context.Context, stakingID int64, source string, amount int64) (TxReceipt, error) {
	var out txResponse
	err := c.post(ctx, "/collect_staking", map[string]any{
		"staking_id": stakingID,
		"source":     source,
		"amount":     amount,
	}, &out)
	if err != nil {
		return TxReceipt{}, err
	}
	return TxReceipt{TxRef: out.TxRef, ExpiryHeight: out.ExpiryHeight}, nil
}

func (c *HTTPClient) CollectPoolCharge(ctx context.Context, chargeID int64, source string, amount int64) (TxReceipt, error) {
	var out txResponse
	err := c.post(ctx, "/collect_pool_charge", map[string]any{
		"charge_id": chargeID,
		"source":    source,
		"amount":    amount,
	}, &out)
	if err != nil {
		return TxReceipt{}, err
	}
	return TxReceipt{TxRef: out.TxRef, ExpiryHeight: out.ExpiryHeight}, nil
}

func (c *HTTPClient) WaitForConfirmation(ctx context.Context, txRef string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		confirmed, err := c.IsConfirmed(ctx, txRef)
		if err == nil && confirmed {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

func (c *HTTPClient) IsConfirmed(ctx context.Context, txRef string) (bool, error) {
	var out struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := c.get(ctx, "/tx/"+txRef, &out); err != nil {
		return false, err
	}
	return out.Confirmed, nil
}

func (c *HTTPClient) CurrentHeight(ctx context.Context) (int64, error) {
	var out struct {
		Height int64 `json:"height"`
	}
	if err := c.get(ctx, "/height", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *HTTPClient) ValidateSignature(pubKey, message, signature string) string {
	var out struct {
		Address string `json:"address"`
	}
	err := c.post(context.Background(), "/validate_signature", map[string]any{
		"pubkey":    pubKey,
		"message":   message,
		"signature": signature,
	}, &out)
	if err != nil {
		return ""
	}
	return out.Address
}

func (c *HTTPClient) IsValidAddress(address string) bool {
	return len(address) >= 32 && len(address) <= 44
}

func (c *HTTPClient) TreasuryAddress() string {
	return c.treasury
}
