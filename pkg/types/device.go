package types

// FormFactor is the coarse device class reported to the partner. It is one
// of the audience key dimensions, so values must stay stable: they are
// serialized into upstream query strings and compared field-wise.
type FormFactor int

const (
	FormFactorDesktop FormFactor = iota
	FormFactorPhone
	FormFactorTablet
	FormFactorOther
)

func (f FormFactor) String() string {
	switch f {
	case FormFactorDesktop:
		return "desktop"
	case FormFactorPhone:
		return "phone"
	case FormFactorTablet:
		return "tablet"
	default:
		return "other"
	}
}

// OsFamily is the coarse operating system class reported to the partner.
type OsFamily int

const (
	OsFamilyWindows OsFamily = iota
	OsFamilyMacOS
	OsFamilyLinux
	OsFamilyIOS
	OsFamilyAndroid
	OsFamilyChromeOS
	OsFamilyBlackBerry
	OsFamilyOther
)

func (o OsFamily) String() string {
	switch o {
	case OsFamilyWindows:
		return "windows"
	case OsFamilyMacOS:
		return "macos"
	case OsFamilyLinux:
		return "linux"
	case OsFamilyIOS:
		return "ios"
	case OsFamilyAndroid:
		return "android"
	case OsFamilyChromeOS:
		return "chromeos"
	case OsFamilyBlackBerry:
		return "blackberry"
	default:
		return "other"
	}
}

// DeviceInfo is everything extracted from the User-Agent that the tile
// pipeline cares about. It carries no identifying information beyond the
// coarse class of the device.
type DeviceInfo struct {
	FormFactor FormFactor
	OsFamily   OsFamily

	// LegacyOnly marks browser versions that only support the legacy tile
	// format. Part of the audience key so legacy and current clients never
	// share a cached response.
	LegacyOnly bool
}

// IsMobile reports whether the device should use the mobile partner
// endpoint and credentials.
func (d DeviceInfo) IsMobile() bool {
	return d.FormFactor == FormFactorPhone || d.FormFactor == FormFactorTablet
}
