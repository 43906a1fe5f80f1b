package embed

import (
	"flag"
	"testing"
)

func TestConfigDefaultsValidate(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ListenURIs[0] != DefaultListenURI {
		t.Fatalf("default listen URI = %q", cfg.ListenURIs[0])
	}
	if cfg.DispatchWorkers != DefaultDispatchWorkers {
		t.Fatalf("default dispatch workers = %d", cfg.DispatchWorkers)
	}
}

func TestConfigRejectsBadURIs(t *testing.T) {
	cfg := NewConfig()
	cfg.ListenURIs = []string{"http://127.0.0.1:80"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unsupported scheme to be rejected")
	}

	cfg.ListenURIs = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty listen URIs to be rejected")
	}
}

func TestFlagsApply(t *testing.T) {
	cfg := NewConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.AddFlags(fs)
	if err := fs.Parse([]string{
		"-listen-uris", "tcp://127.0.0.1:9999,unix:///tmp/a.sock",
		"-log-level", "debug",
		"-dispatch-workers", "4",
	}); err != nil {
		t.Fatal(err)
	}
	cfg.ApplyFlags(fs)

	if len(cfg.ListenURIs) != 2 {
		t.Fatalf("listen URIs = %v", cfg.ListenURIs)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.DispatchWorkers != 4 {
		t.Fatalf("dispatch workers = %d", cfg.DispatchWorkers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if err := cfg.SetupLogging(); err != nil {
		t.Fatal(err)
	}
	if cfg.GetLogger() == nil {
		t.Fatal("logger not built")
	}
}
