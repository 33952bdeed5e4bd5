package renewal

import (
	"errors"
	"fmt"
	"strings"
)

// Override lowers the lead time for a drug class identified by ATC prefix.
type Override struct {
	ATCPrefix string `mapstructure:"atc_prefix" json:"atc_prefix"`
	LeadDays  int    `mapstructure:"lead_days" json:"lead_days"`
	Label     string `mapstructure:"label" json:"label,omitempty"`
}

// Matches reports whether the ATC code belongs to the override's class.
func (o Override) Matches(atc string) bool {
	atc = strings.ToUpper(strings.TrimSpace(atc))
	prefix := strings.ToUpper(strings.TrimSpace(o.ATCPrefix))
	return prefix != "" && strings.HasPrefix(atc, prefix)
}

// Policy holds the renewal rules applied to a prescription's items.
type Policy struct {
	ChronicLeadDays             int        `mapstructure:"chronic_lead_days" json:"chronic_lead_days"`
	OrdinaryLeadDays            int        `mapstructure:"ordinary_lead_days" json:"ordinary_lead_days"`
	DefaultChronicIntervalDays  int        `mapstructure:"default_chronic_interval_days" json:"default_chronic_interval_days"`
	DefaultOrdinaryIntervalDays int        `mapstructure:"default_ordinary_interval_days" json:"default_ordinary_interval_days"`
	Overrides                   []Override `mapstructure:"overrides" json:"overrides,omitempty"`
}

// DefaultPolicy returns the built-in renewal rules.
func DefaultPolicy() Policy {
	return Policy{
		ChronicLeadDays:             7,
		OrdinaryLeadDays:            3,
		DefaultChronicIntervalDays:  90,
		DefaultOrdinaryIntervalDays: 30,
	}
}

// Validate checks the policy for values the engine cannot work with.
// Lead times larger than intervals are allowed here; the engine clamps them.
func (p Policy) Validate() error {
	var errs []error
	if p.ChronicLeadDays < 0 {
		errs = append(errs, fmt.Errorf("chronic_lead_days must be >= 0, got %d", p.ChronicLeadDays))
	}
	if p.OrdinaryLeadDays < 0 {
		errs = append(errs, fmt.Errorf("ordinary_lead_days must be >= 0, got %d", p.OrdinaryLeadDays))
	}
	if p.DefaultChronicIntervalDays <= 0 {
		errs = append(errs, fmt.Errorf("default_chronic_interval_days must be > 0, got %d", p.DefaultChronicIntervalDays))
	}
	if p.DefaultOrdinaryIntervalDays <= 0 {
		errs = append(errs, fmt.Errorf("default_ordinary_interval_days must be > 0, got %d", p.DefaultOrdinaryIntervalDays))
	}
	for i, o := range p.Overrides {
		if strings.TrimSpace(o.ATCPrefix) == "" {
			errs = append(errs, fmt.Errorf("overrides[%d]: atc_prefix is required", i))
		}
		if o.LeadDays < 0 {
			errs = append(errs, fmt.Errorf("overrides[%d]: lead_days must be >= 0, got %d", i, o.LeadDays))
		}
	}
	return errors.Join(errs...)
}
