package config

import "testing"

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ServerPort != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.P2PTransferFeeKobo != 500 {
		t.Errorf("expected default p2p fee of 500 kobo, got %d", cfg.P2PTransferFeeKobo)
	}
	if cfg.SelfTransferFeeKobo != 2500 {
		t.Errorf("expected default self-transfer fee of 2500 kobo, got %d", cfg.SelfTransferFeeKobo)
	}
	if cfg.PINMaxAttempts != 5 || cfg.PINLockoutSeconds != 900 {
		t.Errorf("unexpected PIN defaults: attempts=%d lockout=%d", cfg.PINMaxAttempts, cfg.PINLockoutSeconds)
	}
	if cfg.MoneyDropPasswordMaxAttempts != 5 || cfg.MoneyDropPasswordLockoutSeconds != 600 {
		t.Errorf("unexpected drop password defaults: attempts=%d lockout=%d", cfg.MoneyDropPasswordMaxAttempts, cfg.MoneyDropPasswordLockoutSeconds)
	}
	if cfg.IdempotencyTTLMinutes != 1440 || cfg.IdempotencyStaleAfterSeconds != 120 {
		t.Errorf("unexpected idempotency defaults: ttl=%d stale=%d", cfg.IdempotencyTTLMinutes, cfg.IdempotencyStaleAfterSeconds)
	}
	if cfg.MaxBatchTransfers != 10 {
		t.Errorf("expected default batch limit of 10, got %d", cfg.MaxBatchTransfers)
	}
	if cfg.OutboxBatchSize != 50 || cfg.OutboxStaleAfterSeconds != 300 || cfg.OutboxPollIntervalMS != 1000 {
		t.Errorf("unexpected outbox defaults: batch=%d stale=%d interval=%d", cfg.OutboxBatchSize, cfg.OutboxStaleAfterSeconds, cfg.OutboxPollIntervalMS)
	}
	if cfg.ReconcileCronSpec != "*/5 * * * *" {
		t.Errorf("unexpected reconcile cron spec %q", cfg.ReconcileCronSpec)
	}
	if cfg.ReconcileGraceMinutes != 10 {
		t.Errorf("expected default reconcile grace of 10 minutes, got %d", cfg.ReconcileGraceMinutes)
	}
	if cfg.DropExpiryCronSpec != "* * * * *" {
		t.Errorf("unexpected drop expiry cron spec %q", cfg.DropExpiryCronSpec)
	}
	if cfg.RedisRateLimitPrefix != "ledger:rate_limit" {
		t.Errorf("unexpected rate limit prefix %q", cfg.RedisRateLimitPrefix)
	}
}

func TestLoadConfig_FeeOverrideInWholeCurrencyUnits(t *testing.T) {
	t.Setenv("P2P_TRANSFER_FEE_NAIRA", "7.5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.P2PTransferFeeKobo != 750 {
		t.Errorf("expected 7.5 naira to resolve to 750 kobo, got %d", cfg.P2PTransferFeeKobo)
	}
}

func TestLoadConfig_NegativeFeeCoercedToZero(t *testing.T) {
	t.Setenv("SELF_TRANSFER_FEE_KOBO", "-100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.SelfTransferFeeKobo != 0 {
		t.Errorf("expected a negative fee to coerce to zero, got %d", cfg.SelfTransferFeeKobo)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InternalKeyFallback(t *testing.T) {
	t.Setenv("LEDGER_SERVICE_INTERNAL_API_KEY", "fallback-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.InternalAPIKey != "fallback-key" {
		t.Errorf("expected the fallback internal key, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_AuthAudienceAndIssuer(t *testing.T) {
	t.Setenv("AUTH_AUDIENCE", "ledger-api")
	t.Setenv("AUTH_ISSUER", "https://auth.example.com")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.AuthAudience != "ledger-api" {
		t.Errorf("expected audience from environment, got %q", cfg.AuthAudience)
	}
	if cfg.AuthIssuer != "https://auth.example.com" {
		t.Errorf("expected issuer from environment, got %q", cfg.AuthIssuer)
	}
}
