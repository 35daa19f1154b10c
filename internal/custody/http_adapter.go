package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPAdapter talks to the external custodian over its REST API. The core
// holds the reentry guard across these calls, so timeouts bound how long
// one entity can stay locked.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPAdapter(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPAdapter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "custody_adapter").Logger(),
	}
}

type transferRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

type transferResponse struct {
	Requested uint64 `json:"requested"`
	Actual    uint64 `json:"actual"`
}

func (a *HTTPAdapter) Deposit(ctx context.Context, account uuid.UUID, asset string, amt uint64) (Result, error) {
	return a.call(ctx, "/v1/deposits", account, asset, amt)
}

func (a *HTTPAdapter) Withdraw(ctx context.Context, account uuid.UUID, asset string, amt uint64) (Result, error) {
	return a.call(ctx, "/v1/withdrawals", account, asset, amt)
}

func (a *HTTPAdapter) call(ctx context.Context, path string, account uuid.UUID, asset string, amt uint64) (Result, error) {
	body, err := json.Marshal(transferRequest{
		Account: account.String(),
		Asset:   asset,
		Amount:  amt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal: %v", ErrExternalCall, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrExternalCall, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn().Err(err).Str("path", path).Str("asset", asset).Msg("custodian call failed")
		return Result{}, fmt.Errorf("%w: %v", ErrExternalCall, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("custodian rejected call")
		return Result{}, fmt.Errorf("%w: custodian status %d", ErrExternalCall, resp.StatusCode)
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrExternalCall, err)
	}

	if tr.Actual > amt {
		return Result{}, fmt.Errorf("%w: custodian reported actual %d above requested %d", ErrExternalCall, tr.Actual, amt)
	}

	return Result{Requested: amt, Actual: tr.Actual}, nil
}
