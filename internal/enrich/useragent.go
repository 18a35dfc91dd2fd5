package enrich

import (
	"strings"

	"github.com/mssola/useragent"

	"example.com/insighthub/internal/domain"
)

const unknown = "Unknown"

type Client struct {
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
	DeviceType     string
}

// ParseUserAgent classifies a User-Agent header. Anything that cannot be
// classified falls back to "Unknown" names and the desktop device type.
func ParseUserAgent(header string) Client {
	c := Client{Browser: unknown, OS: unknown, DeviceType: domain.DeviceDesktop}
	if strings.TrimSpace(header) == "" {
		return c
	}

	ua := useragent.New(header)
	if name, version := ua.Browser(); name != "" {
		c.Browser, c.BrowserVersion = name, version
	}
	if info := ua.OSInfo(); info.Name != "" {
		c.OS, c.OSVersion = info.Name, info.Version
	}
	c.DeviceType = deviceType(header, ua)
	return c
}

// tablets are checked first: the parser reports iPads and Android tablets
// as mobile.
func deviceType(header string, ua *useragent.UserAgent) string {
	h := strings.ToLower(header)
	switch {
	case strings.Contains(h, "ipad"),
		strings.Contains(h, "tablet"),
		strings.Contains(h, "kindle"),
		strings.Contains(h, "silk/"),
		strings.Contains(h, "android") && !strings.Contains(h, "mobile"):
		return domain.DeviceTablet
	case ua.Mobile():
		return domain.DeviceMobile
	}
	return domain.DeviceDesktop
}
