package adm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/pkg/types"
)

// Endpoint labels for metrics.
const (
	EndpointDesktop = "desktop"
	EndpointMobile  = "mobile"
)

// FetchParams carries the audience attributes one partner fetch is built
// from. Region is "" and DMA is 0 when absent.
type FetchParams struct {
	Country string
	Region  string
	DMA     uint16
	Device  types.DeviceInfo

	// FakeResponse names the canned response file when the gateway runs in
	// fake_response test mode. Ignored otherwise.
	FakeResponse string
}

// credentials is the endpoint selection for one fetch. Mobile devices use
// the mobile overrides when configured.
type credentials struct {
	endpoint  string
	partnerID string
	sub1      string
	label     string
}

// Client fetches raw tiles from the partner. It performs exactly one GET
// per call, no retries; fan-out bounding belongs to the audience cache.
type Client struct {
	httpClient      *http.Client
	config          configtypes.AdmConfig
	fallbackCountry string
	excludedDmas    []uint16
	startedAt       time.Time
	collector       *metrics.Collector
	logger          *zap.Logger
}

// NewClient creates a partner client. startedAt is the process start
// instant, used for the cold-start timeout window.
func NewClient(
	config configtypes.AdmConfig,
	location configtypes.LocationConfig,
	startedAt time.Time,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout.Std(),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config:          config,
		fallbackCountry: location.FallbackCountry,
		excludedDmas:    location.ExcludedDmas,
		startedAt:       startedAt,
		collector:       collector,
		logger:          logger,
	}
}

func (c *Client) credentialsFor(device types.DeviceInfo) credentials {
	if device.IsMobile() && c.config.MobileEndpoint != "" {
		creds := credentials{
			endpoint:  c.config.MobileEndpoint,
			partnerID: c.config.MobilePartnerID,
			sub1:      c.config.MobileSub1,
			label:     EndpointMobile,
		}
		if creds.partnerID == "" {
			creds.partnerID = c.config.PartnerID
		}
		if creds.sub1 == "" {
			creds.sub1 = c.config.Sub1
		}
		return creds
	}
	return credentials{
		endpoint:  c.config.Endpoint,
		partnerID: c.config.PartnerID,
		sub1:      c.config.Sub1,
		label:     EndpointDesktop,
	}
}

// filteredDma renders the dma-code query value: empty when the DMA is
// zero or in the excluded list.
func (c *Client) filteredDma(dma uint16) string {
	if dma == 0 {
		return ""
	}
	for _, excluded := range c.excludedDmas {
		if dma == excluded {
			return ""
		}
	}
	return strconv.FormatUint(uint64(dma), 10)
}

// BuildURL assembles the partner fetch URL for the given audience.
func (c *Client) BuildURL(params FetchParams) (string, string, error) {
	creds := c.credentialsFor(params.Device)

	base, err := url.Parse(creds.endpoint)
	if err != nil {
		return "", "", NewError(KindInternal, "invalid partner endpoint", err)
	}

	country := params.Country
	if country == "" {
		country = c.fallbackCountry
	}

	query := url.Values{}
	query.Set("partner", creds.partnerID)
	query.Set("sub1", creds.sub1)
	query.Set("sub2", "newtab")
	query.Set("country-code", country)
	query.Set("region-code", params.Region)
	query.Set("dma-code", c.filteredDma(params.DMA))
	query.Set("form-factor", params.Device.FormFactor.String())
	query.Set("os-family", params.Device.OsFamily.String())
	query.Set("v", "1.0")
	query.Set("out", "json")
	query.Set("results", strconv.Itoa(c.config.QueryTileCount))
	base.RawQuery = query.Encode()

	return base.String(), creds.label, nil
}

// Fetch performs one partner GET and parses the tile list. An empty list
// is a valid result.
func (c *Client) Fetch(ctx context.Context, params FetchParams) ([]types.AdmTile, error) {
	switch c.config.TestMode {
	case configtypes.TestFakeResponse:
		return c.fakeResponse(params.FakeResponse)
	case configtypes.TestTimeout:
		return nil, NewError(KindLoadError, "partner fetch timed out (test mode)", nil)
	}

	fetchURL, endpointLabel, err := c.BuildURL(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, NewError(KindInternal, "failed to build partner request", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Fetching tiles from partner",
		zap.String("endpoint", endpointLabel),
		zap.String("url", fetchURL))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	c.collector.RecordAdmRequest(endpointLabel, duration)
	if err != nil {
		// During startup the request queue fills faster than the partner
		// can answer; surface timeouts in that window as a softer class so
		// operators can tell load shedding from an outage.
		if isTimeout(err) && time.Since(c.startedAt) <= c.config.Timeout.Std() {
			return nil, NewError(KindLoadError, "partner fetch timed out during startup", err)
		}
		return nil, NewError(KindServerError, "partner fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindServerError, "failed to read partner response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewError(KindServerError,
			fmt.Sprintf("partner returned status %d", resp.StatusCode), nil)
	}

	var parsed types.AdmTileResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewError(KindBadResponse, "partner provided invalid response", err)
	}

	c.logger.Debug("Partner fetch completed",
		zap.String("endpoint", endpointLabel),
		zap.Int("tiles", len(parsed.Tiles)),
		zap.Duration("duration", duration))

	return parsed.Tiles, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

// fakeResponse serves a canned tile payload from the test data directory.
// The file name comes from the request's Fake-Response header, reduced to
// alphanumerics and underscores and lowercased.
func (c *Client) fakeResponse(name string) ([]types.AdmTile, error) {
	if name == "" {
		name = "default"
	}
	cleaned := sanitizeFakeResponseName(name)
	if cleaned == "" {
		return nil, NewError(KindInternal, "invalid test response file specified", nil)
	}

	path := filepath.Join(c.config.TestFilePath, cleaned+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(KindInternal,
			fmt.Sprintf("invalid or missing test file %s", path), err)
	}

	var parsed types.AdmTileResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewError(KindInternal,
			fmt.Sprintf("unparseable test file %s", path), err)
	}
	return parsed.Tiles, nil
}

func sanitizeFakeResponseName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}
