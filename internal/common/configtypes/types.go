// Package configtypes holds the configuration schema for the tile gateway.
// The loader in internal/common/config fills these from YAML; everything
// here is plain data so other packages can depend on it without pulling in
// the loader.
package configtypes

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Log level and format names accepted in LogConfig.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatJSON    = "json"
	LogFormatText    = "text"
	LogFormatConsole = "console"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxAge     int  `yaml:"max_age"`     // days
	MaxBackups int  `yaml:"max_backups"` // files
	Compress   bool `yaml:"compress"`
}

// ConsoleLogConfig configures the stdout log output.
type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level"`
}

// FileLogConfig configures the rotating file log output.
type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level"`
	Rotation RotationConfig `yaml:"rotation"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

// ServerConfig configures the client-facing HTTP listener.
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	ReadTimeout Duration `yaml:"read_timeout"`
	Concurrency int      `yaml:"concurrency"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// TestMode selects the upstream fetcher's test behavior.
type TestMode string

const (
	// NoTest is normal operation.
	NoTest TestMode = "no_test"
	// TestFakeResponse serves canned JSON named by the request's
	// Fake-Response header instead of calling the partner.
	TestFakeResponse TestMode = "fake_response"
	// TestTimeout makes every fetch fail as a cold-start load error.
	TestTimeout TestMode = "timeout"
)

// Valid reports whether the mode is one of the known values.
func (m TestMode) Valid() bool {
	switch m {
	case NoTest, TestFakeResponse, TestTimeout, "":
		return true
	}
	return false
}

// AdmConfig configures the partner (ADM) integration.
type AdmConfig struct {
	Endpoint  string `yaml:"endpoint"`
	PartnerID string `yaml:"partner_id"`
	Sub1      string `yaml:"sub1"`

	// Optional mobile overrides. Empty values fall back to the desktop
	// credentials above.
	MobileEndpoint  string `yaml:"mobile_endpoint"`
	MobilePartnerID string `yaml:"mobile_partner_id"`
	MobileSub1      string `yaml:"mobile_sub1"`

	Timeout        Duration `yaml:"timeout"`
	QueryTileCount int      `yaml:"query_tile_count"`
	MaxTiles       int      `yaml:"max_tiles"`

	// FilterSettingsPath points at the advertiser filter ruleset JSON.
	// FilterSettings may carry the JSON inline instead (tests, small
	// deployments); the path wins when both are set.
	FilterSettingsPath string `yaml:"filter_settings_path"`
	FilterSettings     string `yaml:"filter_settings"`

	TestMode     TestMode `yaml:"test_mode"`
	TestFilePath string   `yaml:"test_file_path"`
}

// CacheConfig configures the audience tile cache.
type CacheConfig struct {
	TilesTTL Duration `yaml:"tiles_ttl"`
	// JitterPercent perturbs each entry's TTL by up to ±this percent,
	// capped at 50. 10 is the recommended value.
	JitterPercent int `yaml:"jitter_percent"`
}

// LocationConfig configures geolocation of client requests.
type LocationConfig struct {
	// MMDBPath is a MaxMind GeoIP2 City database. Empty disables mmdb
	// lookup, leaving only trusted headers and the fallback country.
	MMDBPath string `yaml:"mmdb_path"`
	// TrustGeoHeaders accepts X-Geo-Country/X-Geo-Region/X-Geo-DMA from
	// the fronting load balancer.
	TrustGeoHeaders bool     `yaml:"trust_geo_headers"`
	FallbackCountry string   `yaml:"fallback_country"`
	ExcludedDmas    []uint16 `yaml:"excluded_dmas"`
	// ExcludedCountries200 makes region-excluded requests answer 200 with
	// an empty tiles body instead of 204.
	ExcludedCountries200 bool `yaml:"excluded_countries_200"`
	// ClientIPHeaders are checked in order for the real client address
	// before falling back to the connection's remote address.
	ClientIPHeaders []string `yaml:"client_ip_headers"`
}

// RedisConfig configures the image store's metadata connection.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// ImageStoreConfig configures the image sink that rehosts tile images.
type ImageStoreConfig struct {
	Enabled bool `yaml:"enabled"`
	// CDNBaseURL is the public prefix clients fetch rehosted images from.
	CDNBaseURL string `yaml:"cdn_base_url"`
	// PublicRoot is the local directory the CDN serves.
	PublicRoot     string      `yaml:"public_root"`
	RequestTimeout Duration    `yaml:"request_timeout"`
	MaxImageBytes  int64       `yaml:"max_image_bytes"`
	Redis          RedisConfig `yaml:"redis"`
}

// EventFileConfig configures the rotating error-event log.
type EventFileConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

// EventsConfig configures asynchronous error reporting.
type EventsConfig struct {
	// BufferSize bounds the in-flight event queue; overflow drops events.
	BufferSize int             `yaml:"buffer_size"`
	File       EventFileConfig `yaml:"file"`
}

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server   ServerConfig     `yaml:"server"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Log      LogConfig        `yaml:"log"`
	Adm      AdmConfig        `yaml:"adm"`
	Cache    CacheConfig      `yaml:"cache"`
	Location LocationConfig   `yaml:"location"`
	Images   ImageStoreConfig `yaml:"images"`
	Events   EventsConfig     `yaml:"events"`
}
