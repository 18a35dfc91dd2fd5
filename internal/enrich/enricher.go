// Package enrich turns raw browser events into enriched event rows.
package enrich

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/insighthub/internal/domain"
)

// RequestMeta is everything enrichment needs from the HTTP request and the
// resolved site. ReceivedAt becomes the authoritative event timestamp.
type RequestMeta struct {
	SiteID       string
	SessionID    string
	VisitorID    string
	IsNewSession bool
	IsNewVisitor bool
	ClientIP     string
	UserAgent    string
	AnonymizeIP  bool
	ReceivedAt   time.Time
}

type Enricher struct {
	geo    GeoProvider
	newID  func() string
	logger *zap.Logger
}

func New(geo GeoProvider, logger *zap.Logger) *Enricher {
	if geo == nil {
		geo = NoGeo{}
	}
	return &Enricher{geo: geo, newID: uuid.NewString, logger: logger.Named("enrich")}
}

// Enrich builds one EnrichedEvent. It only fails when the event's required
// fields are malformed; every lookup failure degrades to empty values.
func (e *Enricher) Enrich(raw domain.RawEvent, meta RequestMeta) (domain.EnrichedEvent, error) {
	if errs := domain.ValidateRawEvent(&raw, ""); len(errs) > 0 {
		return domain.EnrichedEvent{}, fmt.Errorf("%w: %s", domain.ErrInvalidEvent, errs[0])
	}

	client := ParseUserAgent(meta.UserAgent)
	loc := e.locate(meta)
	props := raw.Properties.Clone()

	utmSource := optional(props, "utm_source")
	utmMedium := optional(props, "utm_medium")
	referrer, _ := props.Str("referrer")
	pageURL, _ := props.Str("url")
	title, _ := props.Str("title")

	ev := domain.EnrichedEvent{
		EventID:   e.newID(),
		SiteID:    meta.SiteID,
		VisitorID: meta.VisitorID,
		SessionID: meta.SessionID,

		EventName:  raw.Name,
		Properties: props,

		PageURL:      pageURL,
		PagePath:     pagePath(props, pageURL),
		PageTitle:    title,
		PageReferrer: referrer,

		UTMSource:    utmSource,
		UTMMedium:    utmMedium,
		UTMCampaign:  optional(props, "utm_campaign"),
		UTMTerm:      optional(props, "utm_term"),
		UTMContent:   optional(props, "utm_content"),
		ChannelGroup: ClassifyChannel(deref(utmSource), deref(utmMedium), referrer),

		Browser:        client.Browser,
		BrowserVersion: client.BrowserVersion,
		OS:             client.OS,
		OSVersion:      client.OSVersion,
		DeviceType:     client.DeviceType,

		CountryCode: loc.CountryCode,
		Region:      loc.Region,
		City:        loc.City,

		Timestamp:       meta.ReceivedAt.UTC(),
		ClientTimestamp: time.UnixMilli(int64(raw.Timestamp)).UTC(),

		IsNewVisitor: meta.IsNewVisitor,
		IsNewSession: meta.IsNewSession,
	}

	if c := raw.Context; c != nil {
		ev.ScreenWidth = domain.ClampUint16(c.ScreenWidth)
		ev.ScreenHeight = domain.ClampUint16(c.ScreenHeight)
		ev.ViewportWidth = domain.ClampUint16(c.ViewportWidth)
		ev.ViewportHeight = domain.ClampUint16(c.ViewportHeight)
		ev.Timezone = c.Timezone
		ev.Language = c.Language
	}
	return ev, nil
}

// EnrichAll enriches a request's events in array order.
func (e *Enricher) EnrichAll(events []domain.RawEvent, meta RequestMeta) ([]domain.EnrichedEvent, error) {
	out := make([]domain.EnrichedEvent, 0, len(events))
	for i, raw := range events {
		ev, err := e.Enrich(raw, meta)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (e *Enricher) locate(meta RequestMeta) Location {
	ip := net.ParseIP(strings.TrimSpace(meta.ClientIP))
	if ip == nil {
		return Location{}
	}
	if meta.AnonymizeIP {
		ip = AnonymizeIP(ip)
	}
	loc, ok := e.geo.Lookup(ip)
	if !ok {
		e.logger.Debug("geo lookup unavailable", zap.String("site_id", meta.SiteID))
		return Location{}
	}
	return loc
}

// pagePath prefers an explicit path property and otherwise parses the URL.
// A missing or malformed URL yields "".
func pagePath(props domain.Properties, pageURL string) string {
	if p, ok := props.Str("path"); ok {
		return p
	}
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func optional(props domain.Properties, key string) *string {
	s, ok := props.Str(key)
	if !ok {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
