package app

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/router-for-me/abuseguard/internal/config"
	"golang.org/x/crypto/bcrypt"
)

func TestWriteConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	if ConfigExists(path) {
		t.Fatalf("expected no config yet")
	}

	token, err := WriteConfigFile(path, 9001)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if token == "" {
		t.Fatalf("expected operator token")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if loaded.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", loaded.Port)
	}
	if len(loaded.JWT.Secret) != 64 {
		t.Fatalf("expected generated jwt secret, got %q", loaded.JWT.Secret)
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(loaded.Admin.OperatorTokenHash), []byte(token)); errCompare != nil {
		t.Fatalf("expected stored hash to match token: %v", errCompare)
	}
	if loaded.StoreTimeout != config.Default().StoreTimeout {
		t.Fatalf("expected store timeout round trip, got %s", loaded.StoreTimeout)
	}

	if _, err := WriteConfigFile(path, 9001); !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}
}
