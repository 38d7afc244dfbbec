// cmd/agentgate/config.go
// Configuration loading for the serve command.  Precedence: flags > env >
// config file > defaults.  Environment variables are prefixed AGENTGATE_:
//
//	LISTEN            - HTTP listen address (default :8085)
//	UPSTREAM_URL      - chat server base URL (required)
//	UPSTREAM_WS_URL   - chat server WebSocket URL (derived from base when empty)
//	USERNAME          - gateway principal username (required)
//	TOKEN             - gateway principal token (required)
//	STORAGE_URL       - redis:// URL backing the event log and idempotency
//	                    cache; empty keeps both in-process
//	DATA_DIR          - directory for credential cache, read tracker,
//	                    metrics log and the event-id checkpoint (default ./data)
//	AGENTS_FILE       - agent-config bootstrap JSON (optional)
//	INJECT_URL        - local inject sink endpoint (optional)
package main

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type serveConfig struct {
	Listen        string `mapstructure:"listen"`
	UpstreamURL   string `mapstructure:"upstream_url"`
	UpstreamWSURL string `mapstructure:"upstream_ws_url"`
	Username      string `mapstructure:"username"`
	Token         string `mapstructure:"token"`
	StorageURL    string `mapstructure:"storage_url"`
	DataDir       string `mapstructure:"data_dir"`
	AgentsFile    string `mapstructure:"agents_file"`
	InjectURL     string `mapstructure:"inject_url"`
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Listen:  ":8085",
		DataDir: "./data",
	}
}

// loadServeConfig merges file + env into the defaults.  Flag overrides are
// applied by the serve command after this returns.
func loadServeConfig() (serveConfig, error) {
	cfg := defaultServeConfig()

	v := viper.New()
	v.SetEnvPrefix("AGENTGATE")
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}
	// AutomaticEnv alone does not surface keys to Unmarshal; bind the ones
	// we care about explicitly.
	for _, key := range []string{
		"listen", "upstream_url", "upstream_ws_url", "username", "token",
		"storage_url", "data_dir", "agents_file", "inject_url",
	} {
		_ = v.BindEnv(key)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	if cfg.UpstreamWSURL == "" && cfg.UpstreamURL != "" {
		cfg.UpstreamWSURL = deriveWSURL(cfg.UpstreamURL)
	}
	return cfg, nil
}

func (c *serveConfig) validate() error {
	if c.UpstreamURL == "" {
		return errors.New("upstream URL is required (AGENTGATE_UPSTREAM_URL)")
	}
	if c.Username == "" || c.Token == "" {
		return errors.New("gateway principal username and token are required")
	}
	return nil
}

func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
