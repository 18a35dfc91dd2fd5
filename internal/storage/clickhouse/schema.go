package clickhouse

import "fmt"

const (
	EventsTable        = "events"
	RevenueEventsTable = "revenue_events"
)

// EventColumns is the insert column order; eventRow must match it.
var EventColumns = []string{
	"event_id", "site_id", "visitor_id", "session_id",
	"event_name", "event_properties",
	"page_url", "page_path", "page_title", "page_referrer",
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "channel_group",
	"browser", "browser_version", "os", "os_version", "device_type",
	"screen_width", "screen_height", "viewport_width", "viewport_height",
	"country_code", "region", "city", "timezone", "language",
	"timestamp", "client_timestamp",
	"is_new_visitor", "is_new_session",
	"heatmap_x", "heatmap_y", "scroll_depth",
}

const eventsDDL = `
CREATE TABLE IF NOT EXISTS %s.events (
    event_id          String,
    site_id           String,
    visitor_id        String,
    session_id        String,
    event_name        LowCardinality(String),
    event_properties  String,
    page_url          String,
    page_path         String,
    page_title        String,
    page_referrer     String,
    utm_source        Nullable(String),
    utm_medium        Nullable(String),
    utm_campaign      Nullable(String),
    utm_term          Nullable(String),
    utm_content       Nullable(String),
    channel_group     LowCardinality(String),
    browser           LowCardinality(String),
    browser_version   String,
    os                LowCardinality(String),
    os_version        String,
    device_type       LowCardinality(String),
    screen_width      UInt16,
    screen_height     UInt16,
    viewport_width    UInt16,
    viewport_height   UInt16,
    country_code      LowCardinality(String),
    region            String,
    city              String,
    timezone          String,
    language          LowCardinality(String),
    timestamp         DateTime64(3, 'UTC'),
    client_timestamp  DateTime64(3, 'UTC'),
    is_new_visitor    Bool,
    is_new_session    Bool,
    heatmap_x         Nullable(UInt16),
    heatmap_y         Nullable(UInt16),
    scroll_depth      Nullable(UInt8)
) ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (site_id, timestamp, visitor_id, event_name)
TTL toDateTime(timestamp) + INTERVAL 3 YEAR`

// revenue_events is written by the billing integration, not by ingestion.
const revenueEventsDDL = `
CREATE TABLE IF NOT EXISTS %s.revenue_events (
    site_id         String,
    transaction_id  String,
    visitor_id      String,
    session_id      String,
    amount          Decimal(18, 4),
    currency        LowCardinality(String),
    amount_usd      Decimal(18, 4),
    product_ids     Array(String),
    source          LowCardinality(String),
    timestamp       DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (site_id, timestamp, transaction_id)
TTL toDateTime(timestamp) + INTERVAL 3 YEAR`

func schemaStatements(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(eventsDDL, database),
		fmt.Sprintf(revenueEventsDDL, database),
	}
}
