package config

import "testing"

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := Config{
		AuthValidSecs:   300,
		Threads:         ThreadConfig{Min: 1, Max: 10},
		BackendAuthType: "provider_key",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfig_Validate_RejectsZeroAuthValidSecs(t *testing.T) {
	cfg := Config{AuthValidSecs: 0, Threads: ThreadConfig{Min: 1, Max: 1}, BackendAuthType: "provider_key"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive auth_valid_secs")
	}
}

func TestConfig_Validate_RejectsMinGreaterThanMax(t *testing.T) {
	cfg := Config{AuthValidSecs: 300, Threads: ThreadConfig{Min: 5, Max: 2}, BackendAuthType: "provider_key"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when threads.min exceeds threads.max")
	}
}

func TestConfig_Validate_RejectsUnknownBackendAuthType(t *testing.T) {
	cfg := Config{AuthValidSecs: 300, Threads: ThreadConfig{Min: 1, Max: 1}, BackendAuthType: "carrier_pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported backend_auth_type")
	}
}
