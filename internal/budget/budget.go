package budget

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/playbook/config"
)

// Config defines spend guardrails for one research cycle. Nil fields mean
// no limit.
type Config struct {
	MaxCost           *float64
	MaxTokens         *int64
	MaxTime           *time.Duration
	ApprovalThreshold *float64
	RequireApproval   bool
}

// FromConfig converts the application config section into guardrails;
// zero values are treated as unset.
func FromConfig(cfg config.BudgetConfig) Config {
	var out Config
	if cfg.MaxCost > 0 {
		v := cfg.MaxCost
		out.MaxCost = &v
	}
	if cfg.MaxTokens > 0 {
		v := cfg.MaxTokens
		out.MaxTokens = &v
	}
	if cfg.MaxTime > 0 {
		v := cfg.MaxTime
		out.MaxTime = &v
	}
	if cfg.ApprovalThreshold > 0 {
		v := cfg.ApprovalThreshold
		out.ApprovalThreshold = &v
	}
	out.RequireApproval = cfg.RequireApproval
	return out
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTime != nil && *c.MaxTime < 0 {
		return fmt.Errorf("max_time cannot be negative")
	}
	if c.ApprovalThreshold != nil {
		if *c.ApprovalThreshold < 0 {
			return fmt.Errorf("approval_threshold cannot be negative")
		}
		if c.MaxCost != nil && *c.ApprovalThreshold > *c.MaxCost {
			return fmt.Errorf("approval_threshold cannot exceed max_cost")
		}
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{RequireApproval: c.RequireApproval}
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTime != nil {
		v := *c.MaxTime
		clone.MaxTime = &v
	}
	if c.ApprovalThreshold != nil {
		v := *c.ApprovalThreshold
		clone.ApprovalThreshold = &v
	}
	return clone
}

// Merge overlays non-nil values from override onto base. A stock playbook
// can tighten the global budget this way without loosening approval.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxCost != nil {
		v := *override.MaxCost
		result.MaxCost = &v
	}
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	if override.MaxTime != nil {
		v := *override.MaxTime
		result.MaxTime = &v
	}
	if override.ApprovalThreshold != nil {
		v := *override.ApprovalThreshold
		result.ApprovalThreshold = &v
	}
	if override.RequireApproval {
		result.RequireApproval = true
	}
	return result
}

// IsZero reports whether the config defines no explicit limits or requirements.
func (c Config) IsZero() bool {
	if c.MaxCost != nil && *c.MaxCost != 0 {
		return false
	}
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	if c.MaxTime != nil && *c.MaxTime != 0 {
		return false
	}
	if c.ApprovalThreshold != nil && *c.ApprovalThreshold != 0 {
		return false
	}
	return !c.RequireApproval
}

// RequiresApproval returns true when a plan must be confirmed before
// execution, based on config and the estimated cycle cost.
func RequiresApproval(cfg Config, estimatedCost float64) bool {
	if cfg.RequireApproval {
		return true
	}
	if cfg.ApprovalThreshold != nil && estimatedCost > *cfg.ApprovalThreshold {
		return true
	}
	return false
}
