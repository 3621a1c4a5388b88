package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"
)

const (
	minReloadInterval     = time.Second
	maxReloadInterval     = time.Hour
	defaultReloadInterval = 60 * time.Second
)

// WhitelistRule allows a set of 4-byte selectors on one target contract.
type WhitelistRule struct {
	Target    string   `yaml:"target"`
	Selectors []string `yaml:"selectors"`
}

// OrgPolicy is the per-organization sponsorship budget.
type OrgPolicy struct {
	DailyCapWei uint64 `yaml:"daily_cap_wei"`
}

// Config is the sponsorship policy loaded from a yaml file. A loaded Config is
// immutable; hot reload swaps the whole snapshot, never mutates one in place.
type Config struct {
	ChainID               uint64               `yaml:"chain_id"`
	PaymasterAddress      string               `yaml:"paymaster_address"`
	BalanceThresholdWei   uint64               `yaml:"balance_threshold_wei"`
	MaxUserOperationGas   uint64               `yaml:"max_user_operation_gas"`
	Whitelist             []WhitelistRule      `yaml:"whitelist"`
	Orgs                  map[string]OrgPolicy `yaml:"orgs"`
	DefaultDailyCapWei    uint64               `yaml:"default_daily_cap_wei"`
	ReloadIntervalSeconds int                  `yaml:"reload_interval_seconds"`

	// Derived at load time.
	paymaster common.Address
	whitelist map[common.Address]map[[4]byte]bool
}

// Load parses and validates a policy file. Validation failures are
// configuration errors: the process must not start (or keep the previous
// snapshot on reload).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if !common.IsHexAddress(c.PaymasterAddress) {
		return fmt.Errorf("paymaster_address %q is not a 20-byte hex address", c.PaymasterAddress)
	}
	c.paymaster = common.HexToAddress(c.PaymasterAddress)
	if c.MaxUserOperationGas == 0 {
		return fmt.Errorf("max_user_operation_gas must be positive")
	}
	if c.ReloadIntervalSeconds == 0 {
		c.ReloadIntervalSeconds = int(defaultReloadInterval / time.Second)
	}
	interval := time.Duration(c.ReloadIntervalSeconds) * time.Second
	if interval < minReloadInterval || interval > maxReloadInterval {
		return fmt.Errorf("reload_interval_seconds %d outside [1, 3600]", c.ReloadIntervalSeconds)
	}

	c.whitelist = make(map[common.Address]map[[4]byte]bool, len(c.Whitelist))
	for _, rule := range c.Whitelist {
		if !common.IsHexAddress(rule.Target) {
			return fmt.Errorf("whitelist target %q is not a valid address", rule.Target)
		}
		target := common.HexToAddress(rule.Target)
		selectors, ok := c.whitelist[target]
		if !ok {
			selectors = make(map[[4]byte]bool, len(rule.Selectors))
			c.whitelist[target] = selectors
		}
		for _, raw := range rule.Selectors {
			sel, err := parseSelector(raw)
			if err != nil {
				return fmt.Errorf("whitelist target %s: %w", rule.Target, err)
			}
			selectors[sel] = true
		}
	}
	return nil
}

// Paymaster returns the checksummed paymaster address.
func (c *Config) Paymaster() common.Address {
	return c.paymaster
}

// ReloadInterval returns the validated reload period.
func (c *Config) ReloadInterval() time.Duration {
	return time.Duration(c.ReloadIntervalSeconds) * time.Second
}

// Allows reports whether the (target, selector) pair passes the whitelist.
// An empty whitelist allows all calls.
func (c *Config) Allows(target common.Address, selector [4]byte) bool {
	if len(c.whitelist) == 0 {
		return true
	}
	selectors, ok := c.whitelist[target]
	if !ok {
		return false
	}
	return selectors[selector]
}

// DailyCapFor returns the daily sponsorship cap for an organization, falling
// back to the default cap when the org has no explicit entry.
func (c *Config) DailyCapFor(orgID string) uint64 {
	if org, ok := c.Orgs[orgID]; ok {
		return org.DailyCapWei
	}
	return c.DefaultDailyCapWei
}

func parseSelector(raw string) ([4]byte, error) {
	var sel [4]byte
	raw = strings.TrimSpace(raw)
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != 4 {
		return sel, fmt.Errorf("selector %q is not a 4-byte hex value", raw)
	}
	copy(sel[:], b)
	return sel, nil
}
