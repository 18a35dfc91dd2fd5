// Package site resolves public tracking tokens to cached site configuration
// and applies the origin policy for ingestion requests.
package site

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrMissingToken     = errors.New("site: missing tracking token")
	ErrNotFound         = errors.New("site: not found")
	ErrInactive         = errors.New("site: inactive")
	ErrOriginNotAllowed = errors.New("site: origin not allowed")
)

// Config is the read-mostly site record the ingestion path needs.
type Config struct {
	ID               string   `json:"id"`
	TrackingID       string   `json:"tracking_id"`
	Domain           string   `json:"domain"`
	AllowedHosts     []string `json:"allowed_hosts"`
	IsActive         bool     `json:"is_active"`
	EnableHeatmaps   bool     `json:"enable_heatmaps"`
	EnableRecordings bool     `json:"enable_recordings"`
	AnonymizeIPs     bool     `json:"anonymize_ips"`
	RespectDNT       bool     `json:"respect_dnt"`
}

// AllowsOrigin reports whether an Origin header value may send events for
// this site: the host must equal the domain, be listed in AllowedHosts, or be
// a subdomain of the domain.
func (c Config) AllowsOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(c.Domain))
	if domain != "" && (host == domain || strings.HasSuffix(host, "."+domain)) {
		return true
	}
	for _, h := range c.AllowedHosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
}

// CheckOrigin applies AllowsOrigin when the request carried an Origin header.
func (c Config) CheckOrigin(origin string) error {
	if origin == "" || c.AllowsOrigin(origin) {
		return nil
	}
	return ErrOriginNotAllowed
}
