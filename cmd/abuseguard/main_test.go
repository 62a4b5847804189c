package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePort(t *testing.T) {
	cases := []struct {
		port    int
		wantErr bool
	}{
		{0, false},
		{8318, false},
		{65535, false},
		{-1, true},
		{65536, true},
	}
	for _, tc := range cases {
		if err := validatePort(tc.port); (err != nil) != tc.wantErr {
			t.Fatalf("port %d: unexpected error state %v", tc.port, err)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ABUSEGUARD_TEST_VALUE=from-file\n"), 0600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ABUSEGUARD_TEST_VALUE", "")
	os.Unsetenv("ABUSEGUARD_TEST_VALUE")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("ABUSEGUARD_TEST_VALUE"); got != "from-file" {
		t.Fatalf("expected value from env file, got %q", got)
	}
}

func TestRunInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	args := []string{"-init", "-config", path, "-env-file", "", "-port", "9100"}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if err := run(context.Background(), args); err == nil {
		t.Fatalf("expected second init to fail")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	if err := run(context.Background(), []string{"-port", "70000", "-env-file", ""}); err == nil {
		t.Fatalf("expected invalid port error")
	}
	if err := run(context.Background(), []string{"-unknown"}); err == nil {
		t.Fatalf("expected flag parse error")
	}
}
