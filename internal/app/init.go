package app

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/router-for-me/abuseguard/internal/config"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned by WriteConfigFile when the target already exists.
var ErrConfigExists = errors.New("config file already exists")

// generateSecret creates a random hex string of n bytes.
func generateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// WriteConfigFile writes a default config with a fresh JWT secret and operator token.
// The plaintext operator token is returned once; only its bcrypt hash is stored.
func WriteConfigFile(configPath string, port int) (string, error) {
	if ConfigExists(configPath) {
		return "", fmt.Errorf("%w: %s", ErrConfigExists, configPath)
	}

	cfg := config.Default()
	if port > 0 {
		cfg.Port = port
	}
	secret, errSecret := generateSecret(32)
	if errSecret != nil {
		return "", fmt.Errorf("generate jwt secret: %w", errSecret)
	}
	cfg.JWT.Secret = secret

	operatorToken, errToken := generateSecret(24)
	if errToken != nil {
		return "", fmt.Errorf("generate operator token: %w", errToken)
	}
	hash, errHash := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.DefaultCost)
	if errHash != nil {
		return "", fmt.Errorf("hash operator token: %w", errHash)
	}
	cfg.Admin.OperatorTokenHash = string(hash)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return "", fmt.Errorf("create config dir: %w", errMkdir)
	}
	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return "", fmt.Errorf("write config file: %w", errWrite)
	}
	return operatorToken, nil
}
