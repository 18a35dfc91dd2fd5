package enrich

import (
	"testing"

	"example.com/insighthub/internal/domain"
)

func TestClassifyChannel(t *testing.T) {
	tests := []struct {
		source, medium, referrer string
		want                     domain.ChannelGroup
	}{
		{"", "", "", domain.ChannelDirect},
		{"google", "organic", "https://google.com", domain.ChannelOrganicSearch},
		{"", "cpc", "", domain.ChannelPaidSearch},
		{"facebook", "", "https://facebook.com/x", domain.ChannelSocial},
		// paid beats a search-engine source
		{"google", "cpc", "", domain.ChannelPaidSearch},
		{"", "PPC", "", domain.ChannelPaidSearch},
		{"", " Email ", "", domain.ChannelEmail},
		{"DuckDuckGo", "", "", domain.ChannelOrganicSearch},
		{"newsletter", "email", "", domain.ChannelEmail},
		{"", "social", "", domain.ChannelSocial},
		{"m.youtube.com", "", "", domain.ChannelSocial},
		{"", "", "https://news.ycombinator.com", domain.ChannelReferral},
		{"partner", "none", "https://partner.io", domain.ChannelOther},
		{"partner", "", "", domain.ChannelOther},
	}
	for _, tt := range tests {
		got := ClassifyChannel(tt.source, tt.medium, tt.referrer)
		if got != tt.want {
			t.Errorf("ClassifyChannel(%q, %q, %q) = %q, want %q", tt.source, tt.medium, tt.referrer, got, tt.want)
		}
		if !got.Valid() {
			t.Errorf("ClassifyChannel(%q, %q, %q) returned off-taxonomy value %q", tt.source, tt.medium, tt.referrer, got)
		}
	}
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name, ua   string
		wantDevice string
		wantOS     string
	}{
		{"empty", "", domain.DeviceDesktop, unknown},
		{"desktop chrome", chromeMac, domain.DeviceDesktop, ""},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", domain.DeviceMobile, ""},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1", domain.DeviceTablet, ""},
		{"android tablet", "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36", domain.DeviceTablet, ""},
		{"android phone", "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36", domain.DeviceMobile, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ParseUserAgent(tt.ua)
			if c.DeviceType != tt.wantDevice {
				t.Errorf("DeviceType = %q, want %q", c.DeviceType, tt.wantDevice)
			}
			if tt.wantOS != "" && c.OS != tt.wantOS {
				t.Errorf("OS = %q, want %q", c.OS, tt.wantOS)
			}
			if c.Browser == "" || c.OS == "" {
				t.Errorf("Browser/OS must never be empty: %+v", c)
			}
		})
	}
}
