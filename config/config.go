// Package config loads and validates the node configuration from a YAML
// file, with environment overrides for the secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/certanchor/certanchor/types"
)

// QRPlacement positions the stamped QR code on an artifact page, in points
// from the lower-left corner.
type QRPlacement struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type LedgerConfig struct {
	RPCEndpoint     string `yaml:"rpcEndpoint" validate:"required,url"`
	ChainID         int64  `yaml:"chainId" validate:"required,gt=0"`
	ContractAddress string `yaml:"contractAddress" validate:"required,len=42,startswith=0x"`
	SignerKey       string `yaml:"signerKey" validate:"required"`
}

type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LinkConfig struct {
	BaseURL string `yaml:"baseUrl" validate:"required,url"`
	Secret  string `yaml:"secret" validate:"required,min=16"`
	// DeepLinks switches stamped QR codes from short links to encrypted
	// self-contained payloads.
	DeepLinks bool `yaml:"deepLinks"`
}

type BatchConfig struct {
	QRPlacement QRPlacement `yaml:"qrPlacement"`
	Concurrency int         `yaml:"concurrency" validate:"gte=0,lte=64"`
	// ZipStore keeps stamped artifacts on disk for bundling instead of
	// uploading rasterized images.
	ZipStore bool `yaml:"zipStore"`
}

type Config struct {
	IssuerID string       `yaml:"issuerId" validate:"required"`
	Ledger   LedgerConfig `yaml:"ledger"`
	Store    StoreConfig  `yaml:"store"`
	Link     LinkConfig   `yaml:"link"`
	Batch    BatchConfig  `yaml:"batch"`
	LogLevel string       `yaml:"logLevel" validate:"omitempty,oneof=trace debug info warn error crit"`
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. CERTANCHOR_SIGNER_KEY and CERTANCHOR_LINK_SECRET
// override their file counterparts so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	cfg.applyDefaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if v := os.Getenv("CERTANCHOR_SIGNER_KEY"); v != "" {
		cfg.Ledger.SignerKey = v
	}
	if v := os.Getenv("CERTANCHOR_LINK_SECRET"); v != "" {
		cfg.Link.Secret = v
	}
	if err := types.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.LogLevel = "info"
	c.Batch.Concurrency = 8
	c.Batch.QRPlacement = QRPlacement{X: 460, Y: 40}
}
