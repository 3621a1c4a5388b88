package executor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigurationError marks a misconfiguration discovered at startup. Callers
// treat it as fatal; nothing downstream can repair a missing endpoint or key.
type ConfigurationError struct {
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Detail)
}

// Config is the executor's environment-driven configuration.
type Config struct {
	BundlerURL         string
	EntryPoint         string
	BundlerAuthToken   string
	BundlerTimeout     time.Duration
	ReceiptPollEvery   time.Duration
	ReceiptWaitTimeout time.Duration

	PaymasterURL        string // empty = run unsponsored
	PaymasterMode       string // "rpc" or "http"
	PaymasterAuthToken  string
	RequireSponsorship  bool
	SponsorContextExtra map[string]string

	SessionSecret string // hex seed or BIP-39 mnemonic

	VerificationGasLimit uint64
	PreVerificationGas   uint64
	CallGasBuffer        uint64

	MaxGasPerTx       uint64
	OrgDailyGasCap    uint64
	GlobalDailyGasCap uint64
}

// LoadConfig reads AA_* environment variables. The bundler URL and the session
// secret are mandatory; everything else has a working default.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BundlerURL:       strings.TrimSpace(os.Getenv("AA_BUNDLER_URL")),
		EntryPoint:       strings.TrimSpace(os.Getenv("AA_ENTRY_POINT")),
		BundlerAuthToken: strings.TrimSpace(os.Getenv("AA_BUNDLER_AUTH_TOKEN")),

		PaymasterURL:       strings.TrimSpace(os.Getenv("AA_PAYMASTER_URL")),
		PaymasterMode:      strings.ToLower(strings.TrimSpace(os.Getenv("AA_PAYMASTER_MODE"))),
		PaymasterAuthToken: strings.TrimSpace(os.Getenv("AA_PAYMASTER_AUTH_TOKEN")),

		SessionSecret: strings.TrimSpace(os.Getenv("AA_SESSION_KEY_SEED")),
	}
	if cfg.BundlerURL == "" {
		return nil, &ConfigurationError{Field: "AA_BUNDLER_URL", Detail: "bundler endpoint is required"}
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = strings.TrimSpace(os.Getenv("AA_SESSION_MNEMONIC"))
	}
	if cfg.SessionSecret == "" {
		return nil, &ConfigurationError{
			Field:  "AA_SESSION_KEY_SEED",
			Detail: "a session secret (AA_SESSION_KEY_SEED or AA_SESSION_MNEMONIC) is required",
		}
	}
	switch cfg.PaymasterMode {
	case "", "rpc", "http":
	default:
		return nil, &ConfigurationError{Field: "AA_PAYMASTER_MODE", Detail: "must be rpc or http"}
	}
	if cfg.PaymasterMode == "" {
		cfg.PaymasterMode = "rpc"
	}

	cfg.BundlerTimeout = envDuration("AA_BUNDLER_TIMEOUT_SECONDS", time.Second, 30*time.Second)
	cfg.ReceiptPollEvery = envDuration("AA_RECEIPT_POLL_INTERVAL_MS", time.Millisecond, 2*time.Second)
	cfg.ReceiptWaitTimeout = envDuration("AA_RECEIPT_TIMEOUT_SECONDS", time.Second, 60*time.Second)
	cfg.RequireSponsorship = envBool("AA_REQUIRE_SPONSORSHIP")

	cfg.VerificationGasLimit = envUint("AA_VERIFICATION_GAS_LIMIT", 150_000)
	cfg.PreVerificationGas = envUint("AA_PRE_VERIFICATION_GAS", 21_000)
	cfg.CallGasBuffer = envUint("AA_CALL_GAS_BUFFER", 20_000)

	cfg.MaxGasPerTx = envUint("AA_MAX_GAS_PER_TX", 0)
	cfg.OrgDailyGasCap = envUint("AA_ORG_DAILY_GAS_CAP", 0)
	cfg.GlobalDailyGasCap = envUint("AA_GLOBAL_DAILY_GAS_CAP", 0)

	cfg.SponsorContextExtra = map[string]string{}
	if chain := strings.TrimSpace(os.Getenv("AA_CHAIN_ID")); chain != "" {
		cfg.SponsorContextExtra["chain_id"] = chain
	}
	return cfg, nil
}

func envUint(name string, fallback uint64) uint64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, unit, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * unit
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
