package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
database:
  url: postgres://localhost/syncd
ledger:
  rpc_url: https://rpc.example.com
  program_id: PerpDexProg1111111111111111111111111111111
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http.addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Ledger.Commitment != "confirmed" {
		t.Errorf("commitment = %q, want confirmed", cfg.Ledger.Commitment)
	}
	if cfg.Ledger.PollInterval.Std() != 2*time.Second {
		t.Errorf("poll interval = %s, want 2s", cfg.Ledger.PollInterval.Std())
	}
	if cfg.Keeper.RetryDelay.Std() != 500*time.Millisecond {
		t.Errorf("retry delay = %s, want 500ms", cfg.Keeper.RetryDelay.Std())
	}
	if cfg.Orderbook.BucketInterval.Std() != time.Minute {
		t.Errorf("bucket interval = %s, want 1m", cfg.Orderbook.BucketInterval.Std())
	}
}

func TestLoadParsesDurations(t *testing.T) {
	body := minimalYAML + `
  poll_interval: 1500ms
keeper:
  enabled: false
  retry_delay: 2s
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.PollInterval.Std() != 1500*time.Millisecond {
		t.Errorf("poll interval = %s, want 1.5s", cfg.Ledger.PollInterval.Std())
	}
	if cfg.Keeper.RetryDelay.Std() != 2*time.Second {
		t.Errorf("retry delay = %s, want 2s", cfg.Keeper.RetryDelay.Std())
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("SYNCD_DB_URL", "postgres://prod/syncd")
	t.Setenv("SYNCD_HTTP_ADDR", ":9090")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://prod/syncd" {
		t.Errorf("database.url = %q, env override lost", cfg.Database.URL)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http.addr = %q, env override lost", cfg.HTTP.Addr)
	}
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing database",
			body: "ledger:\n  rpc_url: x\n  program_id: y\n",
			want: "database.url",
		},
		{
			name: "missing program id",
			body: "database:\n  url: x\nledger:\n  rpc_url: y\n",
			want: "program_id",
		},
		{
			name: "bad commitment",
			body: minimalYAML + "  commitment: eventually\n",
			want: "commitment",
		},
		{
			name: "oracle without feed id",
			body: minimalYAML + "oracle:\n  stream_url: https://hermes.example.com\n  symbol: BTCUSDT\n",
			want: "feed_id",
		},
		{
			name: "keeper without keypair",
			body: minimalYAML + "keeper:\n  enabled: true\n",
			want: "keypair_path",
		},
		{
			name: "orderbook target without symbol",
			body: minimalYAML + "orderbook:\n  targets:\n    - exchange: binance\n",
			want: "orderbook.targets[0]",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"  poll_interval: soon\n"))
	if err == nil {
		t.Fatal("Load succeeded, want duration parse error")
	}
}
