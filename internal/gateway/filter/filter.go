package filter

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/gateway/events"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/pkg/types"
)

// URL check types reported with rejections.
const (
	CheckAdvertiser = "Advertiser"
	CheckClick      = "Click"
	CheckImpression = "Impression"
)

// RejectionKind classifies why a tile was dropped.
type RejectionKind string

const (
	// RejectUnexpectedAdvertiser means the tile's name has no ruleset entry.
	RejectUnexpectedAdvertiser RejectionKind = "unexpected_advertiser"
	// RejectMissingHost means a tile URL has no host component.
	RejectMissingHost RejectionKind = "missing_host"
	// RejectUnexpectedHost means a tile URL's host is not in the allowlist.
	RejectUnexpectedHost RejectionKind = "unexpected_host"
	// RejectInvalidHost means a tile URL failed to parse or violated the
	// query parameter contract.
	RejectInvalidHost RejectionKind = "invalid_host"
)

// Rejection describes one dropped tile with its reporting context.
type Rejection struct {
	Kind      RejectionKind
	CheckType string // Advertiser, Click or Impression; empty for unknown advertisers
	TileName  string
	URL       string
	Reason    string
	Param     string
}

// Error implements error.
func (r *Rejection) Error() string {
	if r.Kind == RejectUnexpectedAdvertiser {
		return fmt.Sprintf("unexpected advertiser %q", r.TileName)
	}
	return fmt.Sprintf("%s %s check failed for %q: %s", r.Kind, r.CheckType, r.URL, r.Reason)
}

// Click URL query parameter contract.
var (
	requiredClickParams = []string{"ci", "ctag", "key", "version"}
	allowedClickParams  = map[string]struct{}{
		"ci": {}, "ctag": {}, "key": {}, "version": {},
		"click-status": {},
	}
)

// effective is the per-tile resolution of entry-or-DEFAULT inheritance,
// computed once per validation.
type effective struct {
	advertiserHosts []string
	clickHosts      []string
	impressionHosts []string
	position        *uint8
}

func resolveEffective(entry, def Entry) effective {
	eff := effective{
		advertiserHosts: entry.AdvertiserHosts,
		clickHosts:      entry.ClickHosts,
		impressionHosts: entry.ImpressionHosts,
		position:        entry.Position,
	}
	if len(eff.advertiserHosts) == 0 {
		eff.advertiserHosts = def.AdvertiserHosts
	}
	if len(eff.clickHosts) == 0 {
		eff.clickHosts = def.ClickHosts
	}
	if len(eff.impressionHosts) == 0 {
		eff.impressionHosts = def.ImpressionHosts
	}
	if eff.position == nil {
		eff.position = def.Position
	}
	return eff
}

// Validator applies the ruleset to raw partner tiles. Rejections are
// counted and reported; the caller only sees keep-or-drop.
type Validator struct {
	store     *Store
	collector *metrics.Collector
	emitter   events.Emitter
	logger    *zap.Logger
}

// NewValidator creates a validator over the given ruleset store.
func NewValidator(store *Store, collector *metrics.Collector, emitter events.Emitter, logger *zap.Logger) *Validator {
	return &Validator{
		store:     store,
		collector: collector,
		emitter:   emitter,
		logger:    logger,
	}
}

// Store exposes the underlying ruleset store.
func (v *Validator) Store() *Store { return v.store }

// Apply validates one raw tile. On success it returns the sanitized tile
// with the effective position attached; on failure it reports the
// rejection and returns ok=false.
func (v *Validator) Apply(raw types.AdmTile) (types.Tile, bool) {
	tile, rejection := Validate(raw, v.store.Current())
	if rejection == nil {
		return tile, true
	}
	v.report(rejection)
	return types.Tile{}, false
}

func (v *Validator) report(r *Rejection) {
	v.collector.RecordTileRejected(r.CheckType, r.Reason)
	v.logger.Debug("tile rejected",
		zap.String("kind", string(r.Kind)),
		zap.String("tile", r.TileName),
		zap.String("reason", r.Reason))
	v.emitter.Emit(events.NewErrorEvent(string(r.Kind), r.Error()).
		WithTag(events.TagType, r.CheckType).
		WithTag(events.TagTile, r.TileName).
		WithTag(events.TagURL, r.URL).
		WithTag(events.TagReason, r.Reason).
		WithTag(events.TagParam, r.Param))
}

// Validate checks one raw tile against the ruleset. It returns either the
// sanitized tile or a rejection; the first failing check short-circuits.
func Validate(raw types.AdmTile, ruleset *Ruleset) (types.Tile, *Rejection) {
	entry, ok := ruleset.Entry(raw.Name)
	if !ok {
		return types.Tile{}, &Rejection{
			Kind:     RejectUnexpectedAdvertiser,
			TileName: raw.Name,
			Reason:   "no filter entry for advertiser",
		}
	}
	eff := resolveEffective(entry, ruleset.Default())

	if r := checkAdvertiser(raw, eff); r != nil {
		return types.Tile{}, r
	}
	if r := checkClick(raw, eff); r != nil {
		return types.Tile{}, r
	}
	if r := checkImpression(raw, eff); r != nil {
		return types.Tile{}, r
	}

	tile := types.TileFromAdm(raw)
	tile.Position = eff.position
	return tile, nil
}

// parseWithHost parses rawURL and requires an absolute URL with a host.
func parseWithHost(rawURL, checkType, tileName string) (*url.URL, *Rejection) {
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() {
		return nil, &Rejection{
			Kind:      RejectInvalidHost,
			CheckType: checkType,
			TileName:  tileName,
			URL:       rawURL,
			Reason:    "invalid url",
		}
	}
	if parsed.Hostname() == "" {
		return nil, &Rejection{
			Kind:      RejectMissingHost,
			CheckType: checkType,
			TileName:  tileName,
			URL:       rawURL,
			Reason:    "missing host",
		}
	}
	return parsed, nil
}

// checkHost requires an exact match against the effective allowlist.
func checkHost(parsed *url.URL, allowed []string, checkType, tileName, rawURL string) *Rejection {
	host := parsed.Hostname()
	for _, h := range allowed {
		if host == h {
			return nil
		}
	}
	return &Rejection{
		Kind:      RejectUnexpectedHost,
		CheckType: checkType,
		TileName:  tileName,
		URL:       rawURL,
		Reason:    "host not in allowlist",
	}
}

func checkAdvertiser(raw types.AdmTile, eff effective) *Rejection {
	parsed, rej := parseWithHost(raw.AdvertiserURL, CheckAdvertiser, raw.Name)
	if rej != nil {
		return rej
	}
	return checkHost(parsed, eff.advertiserHosts, CheckAdvertiser, raw.Name, raw.AdvertiserURL)
}

func checkClick(raw types.AdmTile, eff effective) *Rejection {
	parsed, rej := parseWithHost(raw.ClickURL, CheckClick, raw.Name)
	if rej != nil {
		return rej
	}
	if rej := checkHost(parsed, eff.clickHosts, CheckClick, raw.Name, raw.ClickURL); rej != nil {
		return rej
	}

	query := parsed.Query()
	for _, key := range requiredClickParams {
		if _, ok := query[key]; !ok {
			return &Rejection{
				Kind:      RejectInvalidHost,
				CheckType: CheckClick,
				TileName:  raw.Name,
				URL:       raw.ClickURL,
				Reason:    "missing required query param",
				Param:     key,
			}
		}
	}
	for key := range query {
		if _, ok := allowedClickParams[key]; !ok {
			return &Rejection{
				Kind:      RejectInvalidHost,
				CheckType: CheckClick,
				TileName:  raw.Name,
				URL:       raw.ClickURL,
				Reason:    "invalid query param",
				Param:     key,
			}
		}
	}
	return nil
}

func checkImpression(raw types.AdmTile, eff effective) *Rejection {
	parsed, rej := parseWithHost(raw.ImpressionURL, CheckImpression, raw.Name)
	if rej != nil {
		return rej
	}

	// The impression URL must carry exactly one query parameter: a single
	// id. A duplicated id counts as an extra parameter.
	query := parsed.Query()
	ids, hasID := query["id"]
	if !hasID || len(query) != 1 || len(ids) != 1 {
		return &Rejection{
			Kind:      RejectInvalidHost,
			CheckType: CheckImpression,
			TileName:  raw.Name,
			URL:       raw.ImpressionURL,
			Reason:    "invalid query param",
			Param:     "id",
		}
	}

	return checkHost(parsed, eff.impressionHosts, CheckImpression, raw.Name, raw.ImpressionURL)
}
