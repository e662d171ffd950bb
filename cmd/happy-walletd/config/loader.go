package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/happychain/wallet-core/internal/provider"
)

//go:embed config.yaml
var embeddedConfigYAML []byte

type LogSettings struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type GatewaySettings struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PopupSettings struct {
	BaseURL  string `mapstructure:"base_url"`
	SpoolDir string `mapstructure:"spool_dir"`
}

type RPCSettings struct {
	// URL of the public node. Empty means the first default chain's first
	// RPC endpoint.
	URL string `mapstructure:"url"`
	// WalletURL is the authenticated smart-account endpoint. Empty falls
	// back to the public node.
	WalletURL string `mapstructure:"wallet_url"`
	// InjectedURL bridges to an external wallet. Empty disables the
	// injected path.
	InjectedURL string `mapstructure:"injected_url"`
}

type ChainSettings struct {
	Defaults []provider.AddChainParams `mapstructure:"defaults"`
}

type Config struct {
	Log     LogSettings     `mapstructure:"log"`
	Gateway GatewaySettings `mapstructure:"gateway"`
	Popup   PopupSettings   `mapstructure:"popup"`
	RPC     RPCSettings     `mapstructure:"rpc"`
	Chains  ChainSettings   `mapstructure:"chains"`
}

// Load reads the embedded defaults, then merges any config.yaml found in
// the user's config directory or the working directory, then applies
// HAPPY_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(embeddedConfigYAML)); err != nil {
		return nil, fmt.Errorf("parse embedded config: %w", err)
	}

	home, _ := os.UserHomeDir()
	v.SetConfigName("config")
	v.AddConfigPath(filepath.Join(home, ".config", "happychain"))
	v.AddConfigPath(".")
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge config file: %w", err)
		}
	}

	v.SetEnvPrefix("HAPPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	for i := range c.Chains.Defaults {
		c.Chains.Defaults[i].Normalize()
		if err := c.Chains.Defaults[i].Validate(); err != nil {
			return fmt.Errorf("chains.defaults[%d]: %w", i, err)
		}
	}
	if c.RPC.URL == "" {
		if len(c.Chains.Defaults) == 0 || len(c.Chains.Defaults[0].RPCUrls) == 0 {
			return fmt.Errorf("rpc.url is empty and no default chain provides one")
		}
		c.RPC.URL = c.Chains.Defaults[0].RPCUrls[0]
	}
	return nil
}
