// Package location resolves the coarse geography of a request: country,
// region and DMA. Precedence is trusted load-balancer headers, then the
// MaxMind database keyed by client IP, then the configured fallback
// country. Nothing finer than the DMA ever leaves this package.
package location

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
)

// Trusted geography headers set by the fronting load balancer.
const (
	HeaderGeoCountry = "X-Geo-Country"
	HeaderGeoRegion  = "X-Geo-Region"
	HeaderGeoDMA     = "X-Geo-DMA"
)

// Default client IP headers checked when none are configured.
var defaultClientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

// Location is the resolved geography of one request. Region "" and DMA 0
// mean absent.
type Location struct {
	Country string
	Region  string
	DMA     uint16
}

// HeaderFunc looks up a request header, returning "" when absent. It
// decouples the resolver from the HTTP server's header type.
type HeaderFunc func(name string) string

// cityRecord is the subset of a GeoIP2 City record the gateway reads.
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	Location struct {
		MetroCode uint16 `maxminddb:"metro_code"`
	} `maxminddb:"location"`
}

// Resolver resolves request geography.
type Resolver struct {
	config configtypes.LocationConfig
	reader *maxminddb.Reader
	logger *zap.Logger
}

// NewResolver creates a resolver, opening the MaxMind database when one is
// configured.
func NewResolver(config configtypes.LocationConfig, logger *zap.Logger) (*Resolver, error) {
	r := &Resolver{config: config, logger: logger}
	if config.MMDBPath != "" {
		reader, err := maxminddb.Open(config.MMDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open mmdb %s: %w", config.MMDBPath, err)
		}
		r.reader = reader
		logger.Info("Opened geolocation database",
			zap.String("path", config.MMDBPath))
	}
	return r, nil
}

// Close releases the database reader.
func (r *Resolver) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

// Resolve produces the request's location. remoteAddr is the connection's
// peer address, used when no client IP header applies.
func (r *Resolver) Resolve(header HeaderFunc, remoteAddr net.IP) Location {
	loc := Location{}

	if r.config.TrustGeoHeaders {
		loc = r.fromHeaders(header)
	}
	if loc.Country == "" && r.reader != nil {
		loc = r.fromDatabase(r.ClientIP(header, remoteAddr))
	}
	if loc.Country == "" {
		loc.Country = r.config.FallbackCountry
	}
	loc.Country = strings.ToUpper(loc.Country)

	// Excluded DMAs are erased before the audience key is built so they
	// never become cache buckets.
	for _, excluded := range r.config.ExcludedDmas {
		if loc.DMA == excluded {
			loc.DMA = 0
			break
		}
	}
	return loc
}

func (r *Resolver) fromHeaders(header HeaderFunc) Location {
	loc := Location{
		Country: strings.TrimSpace(header(HeaderGeoCountry)),
		Region:  strings.TrimSpace(header(HeaderGeoRegion)),
	}
	if raw := strings.TrimSpace(header(HeaderGeoDMA)); raw != "" {
		dma, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			r.logger.Debug("Ignoring malformed DMA header", zap.String("value", raw))
		} else {
			loc.DMA = uint16(dma)
		}
	}
	return loc
}

func (r *Resolver) fromDatabase(ip net.IP) Location {
	if ip == nil {
		return Location{}
	}
	var record cityRecord
	if err := r.reader.Lookup(ip, &record); err != nil {
		r.logger.Debug("Geolocation lookup failed",
			zap.String("ip", ip.String()),
			zap.Error(err))
		return Location{}
	}
	loc := Location{
		Country: record.Country.ISOCode,
		DMA:     record.Location.MetroCode,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].ISOCode
	}
	return loc
}

// ClientIP extracts the real client address: the configured forwarding
// headers in order, then the connection's peer address. For comma-joined
// header values the first hop wins.
func (r *Resolver) ClientIP(header HeaderFunc, remoteAddr net.IP) net.IP {
	headers := r.config.ClientIPHeaders
	if len(headers) == 0 {
		headers = defaultClientIPHeaders
	}
	for _, name := range headers {
		value := header(name)
		if value == "" {
			continue
		}
		if first, _, found := strings.Cut(value, ","); found {
			value = first
		}
		if ip := net.ParseIP(strings.TrimSpace(value)); ip != nil {
			return ip
		}
	}
	return remoteAddr
}
