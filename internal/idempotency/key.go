// Package idempotency derives stable message keys so downstream consumers
// of the dead-letter and heatmap topics can deduplicate redeliveries.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"example.com/insighthub/internal/domain"
)

type KeySource string

const (
	KeyFromEventID   KeySource = "event_id"
	KeyFromComposite KeySource = "composite"
)

// EventKey returns a stable key for an enriched event and the source used.
// The event_id wins. The enricher always sets one, but rows replayed from a
// dead-letter topic, table or archive by external tooling may not carry it;
// those fall back to a SHA-256 of
// (site_id, visitor_id, session_id, event_name, timestamp).
func EventKey(ev *domain.EnrichedEvent) (key string, src KeySource) {
	if ev.EventID != "" {
		return ev.EventID, KeyFromEventID
	}
	composite := fmt.Sprintf("%s|%s|%s|%s|%d",
		ev.SiteID, ev.VisitorID, ev.SessionID, ev.EventName, ev.Timestamp.UnixNano())
	return hash(composite), KeyFromComposite
}

// HeatmapKey identifies one heatmap submission. The page hash leads the
// composite so records for a page share a key prefix before hashing.
func HeatmapKey(rec *domain.HeatmapRecord) string {
	composite := fmt.Sprintf("%s|%s|%d|%d",
		rec.SiteID, rec.PageURLHash, rec.ReceivedAt.UnixNano(), len(rec.Points))
	return hash(composite)
}

// PartitionKey groups heatmap records of one page on one partition.
func PartitionKey(rec *domain.HeatmapRecord) string {
	return rec.SiteID + ":" + rec.PageURLHash
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
