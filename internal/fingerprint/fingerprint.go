// Package fingerprint produces synthetic, self-consistent browser identities.
package fingerprint

import (
	"net/http"
	"strconv"
	"strings"
)

// Trait names returned by Fingerprint.Traits.
const (
	TraitUserAgent           = "User-Agent"
	TraitAcceptLanguage      = "Accept-Language"
	TraitPlatform            = "Platform"
	TraitScreenResolution    = "Screen-Resolution"
	TraitColorDepth          = "Color-Depth"
	TraitTimezone            = "Timezone"
	TraitLanguage            = "Language"
	TraitHardwareConcurrency = "Hardware-Concurrency"
	TraitDeviceMemory        = "Device-Memory"
	TraitPlugins             = "Plugins"
	TraitVendor              = "Vendor"
)

// Fingerprint is a synthetic browser identity. Values are immutable once generated;
// the Plugins slice is never exposed directly.
type Fingerprint struct {
	userAgent           string
	chromeMajor         string
	acceptLanguage      string
	language            string
	platform            string
	width               int
	height              int
	colorDepth          int
	timezone            string
	hardwareConcurrency int
	deviceMemory        int
	plugins             []string
	vendor              string
}

// UserAgent returns the User-Agent string.
func (f Fingerprint) UserAgent() string { return f.userAgent }

// AcceptLanguage returns the Accept-Language header value.
func (f Fingerprint) AcceptLanguage() string { return f.acceptLanguage }

// Language returns the primary navigator language.
func (f Fingerprint) Language() string { return f.language }

// Platform returns the navigator.platform value.
func (f Fingerprint) Platform() string { return f.platform }

// ScreenResolution returns the screen size formatted as WIDTHxHEIGHT.
func (f Fingerprint) ScreenResolution() string {
	return strconv.Itoa(f.width) + "x" + strconv.Itoa(f.height)
}

// Screen returns the screen width and height.
func (f Fingerprint) Screen() (width, height int) { return f.width, f.height }

// Timezone returns the IANA timezone name.
func (f Fingerprint) Timezone() string { return f.timezone }

// HardwareConcurrency returns navigator.hardwareConcurrency.
func (f Fingerprint) HardwareConcurrency() int { return f.hardwareConcurrency }

// DeviceMemory returns navigator.deviceMemory in GiB.
func (f Fingerprint) DeviceMemory() int { return f.deviceMemory }

// Plugins returns a copy of the plugin list.
func (f Fingerprint) Plugins() []string {
	out := make([]string, len(f.plugins))
	copy(out, f.plugins)
	return out
}

// Vendor returns navigator.vendor.
func (f Fingerprint) Vendor() string { return f.vendor }

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool { return f.userAgent == "" }

// Traits returns the fingerprint as a trait-name to value mapping.
func (f Fingerprint) Traits() map[string]string {
	return map[string]string{
		TraitUserAgent:           f.userAgent,
		TraitAcceptLanguage:      f.acceptLanguage,
		TraitPlatform:            f.platform,
		TraitScreenResolution:    f.ScreenResolution(),
		TraitColorDepth:          strconv.Itoa(f.colorDepth),
		TraitTimezone:            f.timezone,
		TraitLanguage:            f.language,
		TraitHardwareConcurrency: strconv.Itoa(f.hardwareConcurrency),
		TraitDeviceMemory:        strconv.Itoa(f.deviceMemory),
		TraitPlugins:             strings.Join(f.plugins, ","),
		TraitVendor:              f.vendor,
	}
}

// Headers returns the request headers a browser with this identity would send.
func (f Fingerprint) Headers() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", f.userAgent)
	h.Set("Accept-Language", f.acceptLanguage)
	h.Set("Sec-Ch-Ua", `"Not A(Brand";v="99", "Google Chrome";v="`+f.chromeMajor+`", "Chromium";v="`+f.chromeMajor+`"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"`+clientHintPlatform(f.platform)+`"`)
	return h
}

func clientHintPlatform(platform string) string {
	switch platform {
	case "Linux x86_64":
		return "Linux"
	case "MacIntel":
		return "macOS"
	default:
		return "Windows"
	}
}
