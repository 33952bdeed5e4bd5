// Package rules holds the versioned policy every renewal and reminder
// computation runs against. A Config is passed explicitly to the services
// that need it; there is no package-level policy.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
)

// BuiltinVersion identifies the policy returned by Default.
const BuiltinVersion = "builtin-1"

// Config is one version of the renewal and reminder policy.
type Config struct {
	Version   string          `mapstructure:"version" json:"version"`
	Renewal   renewal.Policy  `mapstructure:"renewal" json:"renewal"`
	Reminders reminder.Policy `mapstructure:"reminders" json:"reminders"`
}

// Default returns the built-in policy.
func Default() Config {
	return Config{
		Version:   BuiltinVersion,
		Renewal:   renewal.DefaultPolicy(),
		Reminders: reminder.DefaultPolicy(),
	}
}

// Load reads a policy file (YAML, JSON or TOML, by extension) and overlays it
// on the defaults. The file must declare a version.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read policy file: %w", err)
	}
	if strings.TrimSpace(v.GetString("version")) == "" {
		return Config{}, fmt.Errorf("policy file %s: version is required", path)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode policy file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("policy %s: %w", cfg.Version, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the built-in policy when path is empty.
func LoadOrDefault(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks every section of the policy.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if err := c.Renewal.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("renewal: %w", err))
	}
	if err := c.Reminders.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reminders: %w", err))
	}
	return errors.Join(errs...)
}

// Decide runs the renewal engine with this policy and stamps the decision
// with the policy version.
func (c Config) Decide(isChronic bool, atcList []string, durationDaysList []int) renewal.Decision {
	d := renewal.ComputeFromItems(c.Renewal, isChronic, atcList, durationDaysList)
	d.PolicyVersion = c.Version
	return d
}
