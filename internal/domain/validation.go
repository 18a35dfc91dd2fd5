package domain

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrInvalidEvent marks an event whose required fields cannot be enriched.
var ErrInvalidEvent = errors.New("invalid event")

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidateRawEvent checks the fields enrichment depends on.
// prefix is prepended to field names (e.g. "events[3].").
func ValidateRawEvent(ev *RawEvent, prefix string) []FieldError {
	var errs []FieldError

	name := strings.TrimSpace(ev.Name)
	switch {
	case name == "":
		errs = append(errs, FieldError{prefix + "name", "required"})
	case utf8.RuneCountInString(ev.Name) > MaxEventNameLen:
		errs = append(errs, FieldError{prefix + "name", fmt.Sprintf("max length %d", MaxEventNameLen)})
	}

	if !ValidTimestamp(ev.Timestamp) {
		errs = append(errs, FieldError{prefix + "timestamp", timestampMsg})
	}

	return errs
}

// ValidateCollect enforces request-level caps and per-event validation.
func ValidateCollect(req *CollectRequest) []FieldError {
	var errs []FieldError

	switch n := len(req.Events); {
	case n == 0:
		errs = append(errs, FieldError{"events", "required and must contain at least one item"})
	case n > MaxEventsPerBatch:
		errs = append(errs, FieldError{"events", fmt.Sprintf("max %d items", MaxEventsPerBatch)})
	default:
		for i := range req.Events {
			errs = append(errs, ValidateRawEvent(&req.Events[i], fmt.Sprintf("events[%d].", i))...)
		}
	}

	errs = append(errs, validateID("session.id", req.Session.ID)...)
	errs = append(errs, validateID("visitor.id", req.Visitor.ID)...)
	return errs
}

// ValidateHeatmap checks a heatmap payload before it is published downstream.
func ValidateHeatmap(req *HeatmapRequest) []FieldError {
	var errs []FieldError

	if u, err := url.Parse(req.PageURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, FieldError{"page_url", "must be an absolute URL"})
	}
	if req.PageURLHash == "" {
		errs = append(errs, FieldError{"page_url_hash", "required"})
	}
	if len(req.Events) > MaxHeatmapPoints {
		errs = append(errs, FieldError{"events", fmt.Sprintf("max %d items", MaxHeatmapPoints)})
		return errs
	}
	for i, p := range req.Events {
		switch p.Type {
		case HeatmapClick, HeatmapMove, HeatmapScroll:
		default:
			errs = append(errs, FieldError{fmt.Sprintf("events[%d].type", i), "must be one of click, move, scroll"})
		}
		if !ValidTimestamp(p.Timestamp) {
			errs = append(errs, FieldError{fmt.Sprintf("events[%d].timestamp", i), timestampMsg})
		}
	}
	return errs
}

func validateID(field, id string) []FieldError {
	switch {
	case id == "":
		return []FieldError{{field, "required"}}
	case len(id) > MaxIDLen:
		return []FieldError{{field, fmt.Sprintf("max length %d", MaxIDLen)}}
	}
	return nil
}

const timestampMsg = "must be epoch millis between 1970 and 2300"

// ValidTimestamp reports whether ms is a finite epoch-millis value inside
// [MinTimestampMillis, MaxTimestampMillis).
func ValidTimestamp(ms float64) bool {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return false
	}
	return ms >= MinTimestampMillis && ms < MaxTimestampMillis
}

// GroupFieldErrors folds field errors into the problem-details errors map.
func GroupFieldErrors(errs []FieldError) map[string][]string {
	out := make(map[string][]string, len(errs))
	for _, fe := range errs {
		out[fe.Field] = append(out[fe.Field], fe.Msg)
	}
	return out
}
