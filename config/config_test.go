package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
predictflow:
  name: predictflow
  version: 1.0.0
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Channels.EventBuffer != 1000 || cfg.Channels.SignalBuffer != 100 {
		t.Fatalf("channel defaults = %d/%d", cfg.Channels.EventBuffer, cfg.Channels.SignalBuffer)
	}
	if cfg.Stream.ReconnectInterval != 5*time.Second || cfg.Stream.MaxReconnectAttempts != 10 {
		t.Fatalf("stream defaults = %v/%d", cfg.Stream.ReconnectInterval, cfg.Stream.MaxReconnectAttempts)
	}
	if cfg.Simulator.Slippage != 0.001 || cfg.Simulator.StartingBalance != 10000 {
		t.Fatalf("simulator defaults = %v/%v", cfg.Simulator.Slippage, cfg.Simulator.StartingBalance)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Storage.Ledger.BatchSize != 500 {
		t.Fatalf("ledger batch default = %d", cfg.Storage.Ledger.BatchSize)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
predictflow:
  name: predictflow
  version: 1.2.3
stream:
  reconnect_interval: 2s
  max_reconnect_attempts: 4
  ping_interval: 10s
venues:
  kalshi:
    enabled: true
    url: wss://example.com/ws
    api_key: k
    api_secret: s
    auth_required: true
    markets:
      - PRES-2028
      - FED-CUT-MAR
simulator:
  slippage: 0.002
  fee_rate: 0.0015
  starting_balance: 5000
  latency: 150ms
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Stream.MaxReconnectAttempts != 4 || cfg.Stream.ReconnectInterval != 2*time.Second {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
	k := cfg.Venues.Kalshi
	if !k.Enabled || !k.AuthRequired || len(k.Markets) != 2 || k.Markets[1] != "FED-CUT-MAR" {
		t.Fatalf("kalshi = %+v", k)
	}
	if cfg.Simulator.Latency != 150*time.Millisecond || cfg.Simulator.StartingBalance != 5000 {
		t.Fatalf("simulator = %+v", cfg.Simulator)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_KALSHI_KEY", "expanded-key")
	t.Setenv("TEST_KALSHI_SECRET", "expanded-secret")

	cfg, err := LoadConfig(writeConfig(t, `
predictflow:
  name: predictflow
  version: 1.0.0
venues:
  kalshi:
    enabled: true
    url: wss://example.com/ws
    api_key: ${TEST_KALSHI_KEY}
    api_secret: ${TEST_KALSHI_SECRET}
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Venues.Kalshi.APIKey != "expanded-key" || cfg.Venues.Kalshi.APISecret != "expanded-secret" {
		t.Fatalf("kalshi credentials = %q/%q", cfg.Venues.Kalshi.APIKey, cfg.Venues.Kalshi.APISecret)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("KALSHI_API_KEY", "env-key")
	t.Setenv("KALSHI_API_SECRET", "env-secret")

	cfg, err := LoadConfig(writeConfig(t, `
predictflow:
  name: predictflow
  version: 1.0.0
venues:
  kalshi:
    enabled: true
    url: wss://example.com/ws
    api_key: file-key
    api_secret: file-secret
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Venues.Kalshi.APIKey != "env-key" {
		t.Fatalf("APIKey = %q, want environment override", cfg.Venues.Kalshi.APIKey)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing name",
			body: "predictflow:\n  version: 1.0.0\n",
			want: "predictflow.name",
		},
		{
			name: "kalshi without credentials",
			body: minimalConfig + `
venues:
  kalshi:
    enabled: true
    url: wss://example.com/ws
`,
			want: "kalshi credentials",
		},
		{
			name: "slippage out of range",
			body: minimalConfig + `
simulator:
  slippage: 1.5
`,
			want: "slippage",
		},
		{
			name: "ledger without directory",
			body: minimalConfig + `
storage:
  ledger:
    enabled: true
`,
			want: "storage.ledger.directory",
		},
		{
			name: "s3 invalid bucket",
			body: minimalConfig + `
storage:
  s3:
    enabled: true
    region: us-east-1
    bucket: "Bad..Bucket"
`,
			want: "bucket",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestS3BucketValidation(t *testing.T) {
	valid := []string{"my-bucket", "data.archive.bucket", "abc"}
	invalid := []string{"ab", "-leading", "trailing-", "double..dot", "UPPER"}

	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("bucket %q should be valid", name)
		}
	}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("bucket %q should be invalid", name)
		}
	}
}
