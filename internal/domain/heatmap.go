package domain

import "time"

type HeatmapPointType string

const (
	HeatmapClick  HeatmapPointType = "click"
	HeatmapMove   HeatmapPointType = "move"
	HeatmapScroll HeatmapPointType = "scroll"
)

type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type HeatmapPoint struct {
	Type      HeatmapPointType `json:"type"`
	X         *float64         `json:"x,omitempty"`
	Y         *float64         `json:"y,omitempty"`
	Element   string           `json:"element,omitempty"`
	Depth     *float64         `json:"depth,omitempty"`
	Timestamp float64          `json:"timestamp"`
}

// HeatmapRequest is the body of POST /collect/heatmap.
type HeatmapRequest struct {
	PageURL     string         `json:"page_url"`
	PageURLHash string         `json:"page_url_hash"`
	Viewport    Viewport       `json:"viewport"`
	PageHeight  float64        `json:"page_height"`
	Events      []HeatmapPoint `json:"events"`
}

// HeatmapRecord is what the heatmap topic carries to the downstream
// aggregator. Coordinates are clamped to the sink column widths.
type HeatmapRecord struct {
	SiteID      string              `json:"site_id"`
	PageURL     string              `json:"page_url"`
	PageURLHash string              `json:"page_url_hash"`
	Viewport    Viewport            `json:"viewport"`
	PageHeight  float64             `json:"page_height"`
	ReceivedAt  time.Time           `json:"received_at"`
	Points      []HeatmapRecordItem `json:"points"`
}

type HeatmapRecordItem struct {
	Type        HeatmapPointType `json:"type"`
	HeatmapX    *uint16          `json:"heatmap_x"`
	HeatmapY    *uint16          `json:"heatmap_y"`
	ScrollDepth *uint8           `json:"scroll_depth"`
	Element     string           `json:"element,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewHeatmapRecord converts a validated request into its topic record.
func NewHeatmapRecord(siteID string, req HeatmapRequest, receivedAt time.Time) HeatmapRecord {
	rec := HeatmapRecord{
		SiteID:      siteID,
		PageURL:     req.PageURL,
		PageURLHash: req.PageURLHash,
		Viewport:    req.Viewport,
		PageHeight:  req.PageHeight,
		ReceivedAt:  receivedAt,
		Points:      make([]HeatmapRecordItem, 0, len(req.Events)),
	}
	for _, p := range req.Events {
		item := HeatmapRecordItem{
			Type:      p.Type,
			Element:   p.Element,
			Timestamp: time.UnixMilli(int64(p.Timestamp)).UTC(),
		}
		if p.X != nil {
			x := ClampUint16(*p.X)
			item.HeatmapX = &x
		}
		if p.Y != nil {
			y := ClampUint16(*p.Y)
			item.HeatmapY = &y
		}
		if p.Depth != nil {
			d := clampPercent(*p.Depth)
			item.ScrollDepth = &d
		}
		rec.Points = append(rec.Points, item)
	}
	return rec
}

// ClampUint16 converts a client-reported dimension to the UInt16 column range.
func ClampUint16(f float64) uint16 {
	switch {
	case f != f || f <= 0:
		return 0
	case f >= 65535:
		return 65535
	}
	return uint16(f)
}

func clampPercent(f float64) uint8 {
	switch {
	case f != f || f <= 0:
		return 0
	case f >= 100:
		return 100
	}
	return uint8(f)
}
