// Package config loads and validates the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/common/yamlutil"
)

// Defaults applied to fields the config file leaves unset.
const (
	DefaultListen        = ":8000"
	DefaultMetricsListen = ":9090"
	DefaultMetricsPath   = "/metrics"
	DefaultNamespace     = "tilegate"

	DefaultAdmTimeout     = 5 * time.Second
	DefaultQueryTileCount = 10
	DefaultMaxTiles       = 2
	DefaultTilesTTL       = 15 * time.Minute
	DefaultJitterPercent  = 10

	DefaultImageTimeout  = 10 * time.Second
	DefaultMaxImageBytes = 2 << 20 // 2 MB
	DefaultImageMetaTTL  = 24 * time.Hour

	DefaultEventBufferSize = 1024
	DefaultTestFilePath    = "tools/test/test_data"
)

// Load reads, decodes, defaults, and validates the YAML config at path.
func Load(path string) (*configtypes.GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &configtypes.GatewayConfig{}
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *configtypes.GatewayConfig) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultNamespace
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
		cfg.Log.Console.Format = configtypes.LogFormatJSON
	}

	if cfg.Adm.Timeout == 0 {
		cfg.Adm.Timeout = configtypes.Duration(DefaultAdmTimeout)
	}
	if cfg.Adm.QueryTileCount == 0 {
		cfg.Adm.QueryTileCount = DefaultQueryTileCount
	}
	if cfg.Adm.MaxTiles == 0 {
		cfg.Adm.MaxTiles = DefaultMaxTiles
	}
	if cfg.Adm.TestMode == "" {
		cfg.Adm.TestMode = configtypes.NoTest
	}
	if cfg.Adm.TestFilePath == "" {
		cfg.Adm.TestFilePath = DefaultTestFilePath
	}

	if cfg.Cache.TilesTTL == 0 {
		cfg.Cache.TilesTTL = configtypes.Duration(DefaultTilesTTL)
	}
	if cfg.Cache.JitterPercent == 0 {
		cfg.Cache.JitterPercent = DefaultJitterPercent
	}

	if cfg.Images.RequestTimeout == 0 {
		cfg.Images.RequestTimeout = configtypes.Duration(DefaultImageTimeout)
	}
	if cfg.Images.MaxImageBytes == 0 {
		cfg.Images.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.Images.Redis.TTL == 0 {
		cfg.Images.Redis.TTL = configtypes.Duration(DefaultImageMetaTTL)
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = DefaultEventBufferSize
	}
}

// Validate checks cross-field constraints that the schema alone cannot.
func Validate(cfg *configtypes.GatewayConfig) error {
	if cfg.Adm.TestMode == configtypes.NoTest || cfg.Adm.TestMode == "" {
		if cfg.Adm.Endpoint == "" {
			return fmt.Errorf("adm.endpoint is required")
		}
		if cfg.Adm.PartnerID == "" {
			return fmt.Errorf("adm.partner_id is required")
		}
	}
	if !cfg.Adm.TestMode.Valid() {
		return fmt.Errorf("adm.test_mode %q is not one of no_test, fake_response, timeout", cfg.Adm.TestMode)
	}
	if cfg.Adm.FilterSettingsPath == "" && cfg.Adm.FilterSettings == "" {
		return fmt.Errorf("one of adm.filter_settings_path or adm.filter_settings is required")
	}
	if cfg.Cache.JitterPercent < 0 {
		return fmt.Errorf("cache.jitter_percent must not be negative")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == cfg.Server.Listen {
		return fmt.Errorf("metrics.listen must differ from server.listen")
	}
	if cfg.Images.Enabled {
		if cfg.Images.CDNBaseURL == "" {
			return fmt.Errorf("images.cdn_base_url is required when images are enabled")
		}
		if cfg.Images.PublicRoot == "" {
			return fmt.Errorf("images.public_root is required when images are enabled")
		}
	}
	return nil
}

// FilterSettingsJSON returns the advertiser ruleset document, reading the
// configured path when one is set.
func FilterSettingsJSON(cfg *configtypes.AdmConfig) ([]byte, error) {
	if cfg.FilterSettingsPath != "" {
		data, err := os.ReadFile(cfg.FilterSettingsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read filter settings %s: %w", cfg.FilterSettingsPath, err)
		}
		return data, nil
	}
	return []byte(cfg.FilterSettings), nil
}
