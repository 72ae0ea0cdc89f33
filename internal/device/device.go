// Package device derives the client platform and a device fingerprint from
// request headers.
package device

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// HeaderDeviceType lets native clients declare themselves as mobile.
const HeaderDeviceType = "X-Device-Type"

type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformWeb || p == PlatformMobile
}

// Info describes the calling client.
type Info struct {
	Platform Platform `json:"platform"`
	Device   string   `json:"device"`
	Browser  string   `json:"browser"`
}

// Detect inspects r. An X-Device-Type of android or ios wins over the user agent.
func Detect(r *http.Request) Info {
	return FromHeaders(r.Header.Get(HeaderDeviceType), r.UserAgent())
}

// FromHeaders is Detect on raw header values. The user agent is parsed per
// call, no parser state is shared between requests.
func FromHeaders(deviceType, userAgent string) Info {
	switch dt := strings.ToLower(strings.TrimSpace(deviceType)); dt {
	case "android", "ios":
		return Info{Platform: PlatformMobile, Device: dt}
	}

	info := Info{Platform: PlatformWeb}
	if strings.TrimSpace(userAgent) == "" {
		return info
	}
	ua := useragent.New(userAgent)
	info.Device = strings.ToLower(ua.OSInfo().Name)
	if name, _ := ua.Browser(); name != "" {
		info.Browser = name
	}
	return info
}

// Format renders the session device descriptor: "<browser> on <os>" for web
// clients, the device name for mobile ones.
func Format(info Info) string {
	if info.Platform == PlatformMobile {
		return info.Device
	}
	switch {
	case info.Browser != "" && info.Device != "":
		return info.Browser + " on " + info.Device
	case info.Browser != "":
		return info.Browser
	default:
		return info.Device
	}
}
