package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func logLine(t *testing.T, args ...any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("event", args...)
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	return out
}

func TestSensitiveValuesAreRedacted(t *testing.T) {
	out := logLine(t,
		"auth_token", "sekrit",
		"session_mnemonic", "abandon abandon about",
		"key_passphrase", "hunter2",
		"correlation_id", "req_abc",
	)
	for _, key := range []string{"auth_token", "session_mnemonic", "key_passphrase"} {
		if out[key] != redactedValue {
			t.Fatalf("%s = %v, want redacted", key, out[key])
		}
	}
	if out["correlation_id"] != "req_abc" {
		t.Fatalf("correlation_id mangled: %v", out["correlation_id"])
	}
}

func TestSessionAddressesAreFingerprinted(t *testing.T) {
	addr := "0x00000000000000000000000000000000000000ab"
	out := logLine(t, "sender", addr)
	if _, ok := out["sender"]; ok {
		t.Fatalf("raw sender leaked: %v", out["sender"])
	}
	fp, ok := out["sender_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("sender_fp = %v", out["sender_fp"])
	}
	if strings.Contains(fp, addr[2:10]) {
		t.Fatalf("fingerprint embeds the address: %s", fp)
	}

	// Same input, same run: stable fingerprint.
	if again := logLine(t, "sender", addr); again["sender_fp"] != fp {
		t.Fatalf("fingerprint unstable: %v vs %v", again["sender_fp"], fp)
	}
}

func TestFingerprintOfEmptyValue(t *testing.T) {
	if got := Fingerprint("  "); got != "" {
		t.Fatalf("Fingerprint(blank) = %q", got)
	}
}
