// Package device classifies User-Agent strings into the coarse device
// attributes used by the audience key. Only the device class survives;
// the raw User-Agent is never stored or forwarded.
package device

import (
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/tilegate/tilegate/pkg/pattern"
	"github.com/tilegate/tilegate/pkg/types"
)

// legacyMaxFirefoxVersion is the last major Firefox version that only
// understands the legacy tile format.
const legacyMaxFirefoxVersion = 91

var firefoxVersionRe = regexp.MustCompile(`Firefox/(\d+)`)

type osRule struct {
	pattern *pattern.Pattern
	family  types.OsFamily
}

type formFactorRule struct {
	pattern *pattern.Pattern
	form    types.FormFactor
}

// Rule order matters: more specific tokens come first (Android before
// Linux, iPhone before Mac OS X) and the first match wins.
var osRules = []osRule{
	{pattern.MustCompile("*CrOS*"), types.OsFamilyChromeOS},
	{pattern.MustCompile("*Android*"), types.OsFamilyAndroid},
	{pattern.MustCompile("*iPhone*"), types.OsFamilyIOS},
	{pattern.MustCompile("*iPad*"), types.OsFamilyIOS},
	{pattern.MustCompile("*iPod*"), types.OsFamilyIOS},
	{pattern.MustCompile("*BlackBerry*"), types.OsFamilyBlackBerry},
	{pattern.MustCompile("*BB10*"), types.OsFamilyBlackBerry},
	{pattern.MustCompile("*Windows*"), types.OsFamilyWindows},
	{pattern.MustCompile("*Mac OS X*"), types.OsFamilyMacOS},
	{pattern.MustCompile("*Macintosh*"), types.OsFamilyMacOS},
	{pattern.MustCompile("*Linux*"), types.OsFamilyLinux},
}

var formFactorRules = []formFactorRule{
	{pattern.MustCompile("*iPad*"), types.FormFactorTablet},
	{pattern.MustCompile("*Android*Mobile*"), types.FormFactorPhone},
	{pattern.MustCompile("*Android*"), types.FormFactorTablet},
	{pattern.MustCompile("*iPhone*"), types.FormFactorPhone},
	{pattern.MustCompile("*iPod*"), types.FormFactorPhone},
	{pattern.MustCompile("*Tablet*"), types.FormFactorTablet},
	{pattern.MustCompile("*Mobile*"), types.FormFactorPhone},
}

// Detector classifies User-Agent strings.
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a Detector.
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect classifies one User-Agent string. Unrecognized agents come back
// as desktop/other, which is its own audience bucket.
func (d *Detector) Detect(userAgent string) types.DeviceInfo {
	info := types.DeviceInfo{
		FormFactor: types.FormFactorDesktop,
		OsFamily:   types.OsFamilyOther,
		LegacyOnly: legacyOnly(userAgent),
	}

	for _, rule := range osRules {
		if rule.pattern.Match(userAgent) {
			info.OsFamily = rule.family
			break
		}
	}
	for _, rule := range formFactorRules {
		if rule.pattern.Match(userAgent) {
			info.FormFactor = rule.form
			break
		}
	}

	d.logger.Debug("Classified User-Agent",
		zap.String("form_factor", info.FormFactor.String()),
		zap.String("os_family", info.OsFamily.String()),
		zap.Bool("legacy_only", info.LegacyOnly))

	return info
}

// legacyOnly reports whether the agent is a Firefox old enough to require
// the legacy tile format.
func legacyOnly(userAgent string) bool {
	match := firefoxVersionRe.FindStringSubmatch(userAgent)
	if match == nil {
		return false
	}
	version, err := strconv.Atoi(match[1])
	if err != nil {
		return false
	}
	return version < legacyMaxFirefoxVersion
}
