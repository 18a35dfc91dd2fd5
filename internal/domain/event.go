package domain

import "time"

// RawEvent is one behavioral event as sent by the browser tracker.
// timestamp is client epoch millis and is informational only.
type RawEvent struct {
	Name       string        `json:"name"`
	Timestamp  float64       `json:"timestamp"`
	Properties Properties    `json:"properties,omitempty"`
	Context    *EventContext `json:"context,omitempty"`
}

type EventContext struct {
	ViewportWidth  float64 `json:"viewport_width,omitempty"`
	ViewportHeight float64 `json:"viewport_height,omitempty"`
	ScreenWidth    float64 `json:"screen_width,omitempty"`
	ScreenHeight   float64 `json:"screen_height,omitempty"`
	Timezone       string  `json:"timezone,omitempty"`
	Language       string  `json:"language,omitempty"`
}

type Identity struct {
	ID    string `json:"id"`
	IsNew bool   `json:"is_new,omitempty"`
}

// CollectRequest is the body of POST /collect.
type CollectRequest struct {
	Events  []RawEvent `json:"events"`
	Session Identity   `json:"session"`
	Visitor Identity   `json:"visitor"`
}

// ChannelGroup is the coarse traffic-source taxonomy.
type ChannelGroup string

const (
	ChannelDirect        ChannelGroup = "Direct"
	ChannelPaidSearch    ChannelGroup = "Paid Search"
	ChannelOrganicSearch ChannelGroup = "Organic Search"
	ChannelSocial        ChannelGroup = "Social"
	ChannelEmail         ChannelGroup = "Email"
	ChannelReferral      ChannelGroup = "Referral"
	ChannelOther         ChannelGroup = "Other"
)

// Valid reports whether g is one of the fixed taxonomy values.
func (g ChannelGroup) Valid() bool {
	switch g {
	case ChannelDirect, ChannelPaidSearch, ChannelOrganicSearch, ChannelSocial,
		ChannelEmail, ChannelReferral, ChannelOther:
		return true
	}
	return false
}

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// EnrichedEvent is one row of the events table. It is built once by the
// enricher and never modified afterwards; the batching queue only moves it.
type EnrichedEvent struct {
	EventID   string `json:"event_id"`
	SiteID    string `json:"site_id"`
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`

	EventName  string     `json:"event_name"`
	Properties Properties `json:"event_properties"`

	PageURL      string `json:"page_url"`
	PagePath     string `json:"page_path"`
	PageTitle    string `json:"page_title"`
	PageReferrer string `json:"page_referrer"`

	UTMSource    *string      `json:"utm_source"`
	UTMMedium    *string      `json:"utm_medium"`
	UTMCampaign  *string      `json:"utm_campaign"`
	UTMTerm      *string      `json:"utm_term"`
	UTMContent   *string      `json:"utm_content"`
	ChannelGroup ChannelGroup `json:"channel_group"`

	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	DeviceType     string `json:"device_type"`
	ScreenWidth    uint16 `json:"screen_width"`
	ScreenHeight   uint16 `json:"screen_height"`
	ViewportWidth  uint16 `json:"viewport_width"`
	ViewportHeight uint16 `json:"viewport_height"`

	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	Language    string `json:"language"`

	// Timestamp is the server receive time and is authoritative.
	Timestamp       time.Time `json:"timestamp"`
	ClientTimestamp time.Time `json:"client_timestamp"`

	IsNewVisitor bool `json:"is_new_visitor"`
	IsNewSession bool `json:"is_new_session"`

	HeatmapX    *uint16 `json:"heatmap_x"`
	HeatmapY    *uint16 `json:"heatmap_y"`
	ScrollDepth *uint8  `json:"scroll_depth"`
}

// Validation constraints
const (
	MaxEventNameLen   = 100
	MaxEventsPerBatch = 50
	MaxIDLen          = 128
	MaxHeatmapPoints  = 1000

	// Client timestamps are epoch millis in [1970-01-01, 2300-01-01), the
	// range both the JSON time encoding and the sink's DateTime64 can hold.
	MinTimestampMillis = 0
	MaxTimestampMillis = 10_413_792_000_000
)
