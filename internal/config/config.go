// Package config loads the settld gateway/maintenance daemons' TOML
// configuration, generating a default file on first run. Adapted directly
// from config/config.go's load-or-create-default idiom; ValidatorKey's
// generate-on-first-load step is replaced with generating this node's own
// Ed25519 signing keypair, since settld's signer identity (not a chain
// validator key) is the analogous "create on first boot" secret.
package config

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for a settld gateway or
// maintenance daemon process.
type Config struct {
	ListenAddress      string   `toml:"ListenAddress"`
	DataDir            string   `toml:"DataDir"`
	DatabaseDSN        string   `toml:"DatabaseDSN"`
	Environment        string   `toml:"Environment"`
	TenantID           string   `toml:"TenantID"`
	NodeSigningKeyPEM  string   `toml:"NodeSigningKeyPEM"`
	JWKSRefreshSec     int      `toml:"JWKSRefreshSec"`
	MaintenanceTickSec int      `toml:"MaintenanceTickSec"`
	TrustedAudiences   []string `toml:"TrustedAudiences"`
	ArbiterAgentID     string   `toml:"ArbiterAgentID"`
}

// Load loads the configuration from path, creating a default file with a
// freshly generated node signing key if none exists yet. Any environment
// variable with the legacy NOOTERRA_ prefix makes Load fail.
func Load(path string) (*Config, error) {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "NOOTERRA_") {
			name, _, _ := strings.Cut(kv, "=")
			return nil, fmt.Errorf("config: legacy env var %s is not supported; use the SETTLD_ prefix", name)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.NodeSigningKeyPEM == "" {
		pemBytes, err := generateSigningKeyPEM()
		if err != nil {
			return nil, err
		}
		cfg.NodeSigningKeyPEM = string(pemBytes)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	pemBytes, err := generateSigningKeyPEM()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:      ":8402",
		DataDir:            "./settld-data",
		DatabaseDSN:        "postgres://localhost:5432/settld?sslmode=disable",
		Environment:        "development",
		NodeSigningKeyPEM:  string(pemBytes),
		JWKSRefreshSec:     300,
		MaintenanceTickSec: 30,
		TrustedAudiences:   []string{},
		ArbiterAgentID:     "arbiter_default",
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func generateSigningKeyPEM() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// SigningKey parses the node's PKCS8-PEM-encoded Ed25519 private key.
func (c *Config) SigningKey() (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(c.NodeSigningKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("config: NodeSigningKeyPEM has no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse node signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("config: node signing key is not Ed25519")
	}
	return priv, nil
}
