package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPOracle queries the external compliance provider. Any transport or
// decode failure maps to ErrOracleUnavailable; the gate turns that into a
// deny.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPOracle(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPOracle {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "compliance_oracle").Logger(),
	}
}

type verdictResponse struct {
	Compliant    bool   `json:"compliant"`
	Reason       string `json:"reason"`
	ValidUntilUs int64  `json:"valid_until_us"`
}

func (o *HTTPOracle) Query(ctx context.Context, account uuid.UUID, asset string) (Result, error) {
	url := fmt.Sprintf("%s/v1/verdicts/%s/%s", o.baseURL, account, asset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrOracleUnavailable, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Warn().Err(err).Str("asset", asset).Msg("oracle query failed")
		return Result{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: oracle status %d", ErrOracleUnavailable, resp.StatusCode)
	}

	var v verdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrOracleUnavailable, err)
	}

	status := StatusNonCompliant
	if v.Compliant {
		status = StatusCompliant
	}

	return Result{
		Status:     status,
		Reason:     v.Reason,
		ValidUntil: time.UnixMicro(v.ValidUntilUs),
	}, nil
}
