package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Trading.SizingMode != "fixed_usd" {
		t.Fatalf("expected sizingMode=fixed_usd by default, got %q", cfg.Trading.SizingMode)
	}
	if cfg.Trading.FixedUSDSize <= 0 {
		t.Fatal("expected positive fixedUsdSize")
	}
	if cfg.Risk.MaxUSDPerTrade <= 0 {
		t.Fatal("expected positive maxUsdPerTrade")
	}
	if !cfg.Risk.DryRun {
		t.Fatal("expected dryRun true by default")
	}
	if !cfg.PaperTrading.Enabled {
		t.Fatal("expected paperTrading enabled by default")
	}
	if cfg.PaperTrading.StartingBalance <= 0 {
		t.Fatal("expected positive paperTrading.startingBalance by default")
	}
	if cfg.Mode() != "paper" {
		t.Fatalf("expected Mode()=paper by default, got %q", cfg.Mode())
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Fatalf("expected 2s poll interval, got %v", cfg.PollInterval())
	}
	if !cfg.StopLoss.Enabled {
		t.Fatal("expected stopLoss enabled by default")
	}
	if !cfg.AutoRedeem.Enabled {
		t.Fatal("expected autoRedeem enabled by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlDoc := `
targets:
  - "0x1111111111111111111111111111111111111111"
trading:
  sizingMode: proportional
  proportionalMultiplier: 0.05
risk:
  dryRun: false
  maxUsdPerTrade: 25
polling:
  intervalMs: 5000
paperTrading:
  enabled: false
  startingBalance: 500
`
	f, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write([]byte(yamlDoc)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := LoadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0] != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("expected one target wallet, got %v", cfg.Targets)
	}
	if cfg.Trading.SizingMode != "proportional" {
		t.Fatalf("expected sizingMode=proportional, got %q", cfg.Trading.SizingMode)
	}
	if cfg.Trading.ProportionalMultiplier != 0.05 {
		t.Fatalf("expected proportionalMultiplier=0.05, got %f", cfg.Trading.ProportionalMultiplier)
	}
	if cfg.Risk.DryRun {
		t.Fatal("expected dryRun=false from yaml")
	}
	if cfg.Risk.MaxUSDPerTrade != 25 {
		t.Fatalf("expected maxUsdPerTrade=25, got %f", cfg.Risk.MaxUSDPerTrade)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %v", cfg.PollInterval())
	}
	if cfg.PaperTrading.Enabled {
		t.Fatal("expected paperTrading disabled from yaml")
	}
	if cfg.PaperTrading.StartingBalance != 500 {
		t.Fatalf("expected startingBalance=500, got %f", cfg.PaperTrading.StartingBalance)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRADER_DRY_RUN", "false")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Risk.DryRun {
		t.Fatal("expected dryRun false from env")
	}
}

func TestLoadFileInvalidPath(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	f, err := os.CreateTemp("", "bad-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write([]byte("{{invalid yaml")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = LoadFile(f.Name())
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestApplyEnvAllVars(t *testing.T) {
	t.Setenv("POLYMARKET_PK", "test-pk")
	t.Setenv("POLYMARKET_API_KEY", "test-key")
	t.Setenv("POLYMARKET_API_SECRET", "test-secret")
	t.Setenv("POLYMARKET_API_PASSPHRASE", "test-pass")
	t.Setenv("BUILDER_KEY", "builder-key")
	t.Setenv("BUILDER_SECRET", "builder-secret")
	t.Setenv("BUILDER_PASSPHRASE", "builder-pass")
	t.Setenv("TRADER_DRY_RUN", "1")
	t.Setenv("TRADER_PAPER_TRADING", "false")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.PrivateKey != "test-pk" {
		t.Fatalf("expected PrivateKey test-pk, got %s", cfg.PrivateKey)
	}
	if cfg.APIKey != "test-key" {
		t.Fatalf("expected APIKey test-key, got %s", cfg.APIKey)
	}
	if cfg.APISecret != "test-secret" {
		t.Fatalf("expected APISecret test-secret, got %s", cfg.APISecret)
	}
	if cfg.APIPassphrase != "test-pass" {
		t.Fatalf("expected APIPassphrase test-pass, got %s", cfg.APIPassphrase)
	}
	if cfg.BuilderKey != "builder-key" {
		t.Fatalf("expected BuilderKey builder-key, got %s", cfg.BuilderKey)
	}
	if cfg.BuilderSecret != "builder-secret" {
		t.Fatalf("expected BuilderSecret builder-secret, got %s", cfg.BuilderSecret)
	}
	if cfg.BuilderPassphrase != "builder-pass" {
		t.Fatalf("expected BuilderPassphrase builder-pass, got %s", cfg.BuilderPassphrase)
	}
	if !cfg.Risk.DryRun {
		t.Fatal("expected DryRun true from env '1'")
	}
	if cfg.PaperTrading.Enabled {
		t.Fatal("expected PaperTrading.Enabled false from env")
	}
}

func TestApplyEnvDryRunTrue(t *testing.T) {
	t.Setenv("TRADER_DRY_RUN", "true")
	cfg := Default()
	cfg.Risk.DryRun = false
	cfg.ApplyEnv()
	if !cfg.Risk.DryRun {
		t.Fatal("expected DryRun true from env 'true'")
	}
}

func TestApplyEnvPaperTrading(t *testing.T) {
	t.Setenv("TRADER_PAPER_TRADING", "1")
	cfg := Default()
	cfg.PaperTrading.Enabled = false
	cfg.ApplyEnv()
	if !cfg.PaperTrading.Enabled {
		t.Fatal("expected PaperTrading.Enabled true from env '1'")
	}
}

func TestHasLiveCredentials(t *testing.T) {
	cfg := Default()
	if cfg.HasLiveCredentials() {
		t.Fatal("expected no live credentials by default")
	}
	cfg.PrivateKey = "pk"
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.APIPassphrase = "pass"
	if !cfg.HasLiveCredentials() {
		t.Fatal("expected live credentials once all four fields are set")
	}
}

func TestModePrecedence(t *testing.T) {
	cfg := Default()
	cfg.PaperTrading.Enabled = true
	cfg.Risk.DryRun = false
	if cfg.Mode() != "paper" {
		t.Fatalf("expected paper to win over dryRun=false, got %q", cfg.Mode())
	}
	cfg.PaperTrading.Enabled = false
	cfg.Risk.DryRun = true
	if cfg.Mode() != "dry_run" {
		t.Fatalf("expected dry_run, got %q", cfg.Mode())
	}
	cfg.Risk.DryRun = false
	if cfg.Mode() != "live" {
		t.Fatalf("expected live, got %q", cfg.Mode())
	}
}
