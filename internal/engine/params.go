package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"SettleCore/internal/fees"
	"SettleCore/internal/ledger"
	"SettleCore/internal/timelock"
)

// Params is the engine's operating configuration. Every field is mutated
// only by executing a timelocked proposal; settlement reads a value copy at
// operation start and never observes a mid-operation change.
type Params struct {
	FeePolicy fees.Policy `json:"fee_policy"`

	// VolumeCaps is per-asset settled-volume caps per window; 0 = unlimited.
	VolumeCaps map[string]uint64 `json:"volume_caps"`

	// VolumePeriod is the rolling window length.
	VolumePeriod time.Duration `json:"volume_period"`

	// ComplianceOracle is the registered oracle endpoint identifier.
	ComplianceOracle string `json:"compliance_oracle"`
}

func DefaultParams() Params {
	return Params{
		VolumeCaps:   make(map[string]uint64),
		VolumePeriod: 24 * time.Hour,
	}
}

// criticalSetValue is the payload of a KeyCriticalSet proposal.
type criticalSetValue struct {
	Key      string `json:"key"`
	Critical bool   `json:"critical"`
}

// applyParamChange decodes and applies an executed proposal's value.
// Called from the single-writer core immediately after timelock.Execute,
// within the same atomic operation.
func (c *Core) applyParamChange(p *timelock.Proposal) error {
	switch p.Key {
	case timelock.KeyFeePolicy:
		var policy fees.Policy
		if err := json.Unmarshal(p.NewValue, &policy); err != nil {
			return fmt.Errorf("decode fee policy: %w", err)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("fee policy: %w", err)
		}
		c.params.FeePolicy = policy

	case timelock.KeyVolumeCap:
		var caps map[string]uint64
		if err := json.Unmarshal(p.NewValue, &caps); err != nil {
			return fmt.Errorf("decode volume caps: %w", err)
		}
		c.params.VolumeCaps = caps

	case timelock.KeyVolumePeriod:
		var periodUs int64
		if err := json.Unmarshal(p.NewValue, &periodUs); err != nil {
			return fmt.Errorf("decode volume period: %w", err)
		}
		if periodUs <= 0 {
			return fmt.Errorf("volume period must be positive, got %d", periodUs)
		}
		c.params.VolumePeriod = time.Duration(periodUs) * time.Microsecond

	case timelock.KeyComplianceOracle:
		var oracle string
		if err := json.Unmarshal(p.NewValue, &oracle); err != nil {
			return fmt.Errorf("decode oracle: %w", err)
		}
		c.params.ComplianceOracle = oracle

	case timelock.KeyHaltClear:
		var asset string
		if err := json.Unmarshal(p.NewValue, &asset); err != nil {
			return fmt.Errorf("decode halt clear: %w", err)
		}
		assetID, ok := ledger.GetAssetID(asset)
		if !ok {
			return fmt.Errorf("unknown asset %q", asset)
		}
		c.ledger.ClearHalt(assetID)

	case timelock.KeyCriticalSet:
		var v criticalSetValue
		if err := json.Unmarshal(p.NewValue, &v); err != nil {
			return fmt.Errorf("decode critical set: %w", err)
		}
		c.timelock.SetCritical(timelock.ParamKey(v.Key), v.Critical)

	case timelock.KeyCriticalMinimum:
		var minUs int64
		if err := json.Unmarshal(p.NewValue, &minUs); err != nil {
			return fmt.Errorf("decode critical minimum: %w", err)
		}
		if minUs < 0 {
			return fmt.Errorf("critical minimum must be non-negative, got %d", minUs)
		}
		c.timelock.SetCriticalMinimum(time.Duration(minUs) * time.Microsecond)

	default:
		return fmt.Errorf("unknown parameter key %q", p.Key)
	}
	return nil
}
