package config

import "testing"

func validConfig() *Config {
	return &Config{
		Addr:               ":8080",
		MaxClients:         100,
		Fairness:           50,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  85,
		BroadcastShards:    8,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty Addr")
	}
}

func TestValidateRejectsNonPositiveMaxClients(t *testing.T) {
	cfg := validConfig()
	cfg.MaxClients = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for MaxClients == 0")
	}
}

func TestValidateRejectsFairnessOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Fairness = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for Fairness > 100")
	}
}

func TestValidateRejectsPauseBelowReject(t *testing.T) {
	cfg := validConfig()
	cfg.CPURejectThreshold = 80
	cfg.CPUPauseThreshold = 70
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when pause threshold is below reject threshold")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}
