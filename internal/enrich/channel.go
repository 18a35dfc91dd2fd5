package enrich

import (
	"strings"

	"example.com/insighthub/internal/domain"
)

var (
	searchEngines   = []string{"google", "bing", "yahoo", "duckduckgo", "baidu"}
	socialPlatforms = []string{"facebook", "twitter", "linkedin", "instagram", "tiktok", "youtube", "reddit", "pinterest"}
)

// ClassifyChannel maps (utm_source, utm_medium, referrer) to a channel group.
// Empty strings mean "absent". Rules are evaluated in order; the first match wins.
func ClassifyChannel(source, medium, referrer string) domain.ChannelGroup {
	source = strings.ToLower(strings.TrimSpace(source))
	medium = strings.ToLower(strings.TrimSpace(medium))
	referrer = strings.TrimSpace(referrer)

	switch {
	case source == "" && medium == "" && referrer == "":
		return domain.ChannelDirect
	case medium == "cpc" || medium == "ppc" || medium == "paid":
		return domain.ChannelPaidSearch
	case medium == "organic" || containsAny(source, searchEngines):
		return domain.ChannelOrganicSearch
	case medium == "social" || containsAny(source, socialPlatforms):
		return domain.ChannelSocial
	case medium == "email":
		return domain.ChannelEmail
	case referrer != "" && medium != "none":
		return domain.ChannelReferral
	}
	return domain.ChannelOther
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
