package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"example.com/insighthub/internal/ingest"
)

// DeadLetterWriter stores exhausted events in dead_letter_events.
type DeadLetterWriter struct {
	db *DB
}

func NewDeadLetterWriter(db *DB) *DeadLetterWriter { return &DeadLetterWriter{db: db} }

// Publish inserts items with ON CONFLICT DO NOTHING so a replayed
// dead-letter write keeps one row per event_id. Items whose payload cannot
// be encoded come back in an *ingest.EncodeError.
func (w *DeadLetterWriter) Publish(ctx context.Context, items []ingest.RetryItem) error {
	if len(items) == 0 {
		return nil
	}
	sql, args, rejected := buildDeadLetterInsert(items)
	if sql != "" {
		if _, err := w.db.Pool.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert dead letters: %w", err)
		}
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

var deadLetterCols = []string{"event_id", "site_id", "event_name", "attempts", "last_error", "payload"}

// buildDeadLetterInsert returns an empty statement when no item encodes.
func buildDeadLetterInsert(items []ingest.RetryItem) (string, []any, *ingest.EncodeError) {
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*len(deadLetterCols))
	var rejected *ingest.EncodeError

	argi := 1
	for _, it := range items {
		payload, err := json.Marshal(it.Event)
		if err != nil {
			if rejected == nil {
				rejected = &ingest.EncodeError{Err: fmt.Errorf("event %s: %w", it.Event.EventID, err)}
			}
			rejected.Items = append(rejected.Items, it)
			continue
		}

		var lastErr any
		if it.LastError != "" {
			lastErr = it.LastError
		}
		args = append(args, it.Event.EventID, it.Event.SiteID, it.Event.EventName, it.Attempts, lastErr, string(payload))

		ph := make([]string, len(deadLetterCols))
		for i := range deadLetterCols {
			ph[i] = fmt.Sprintf("$%d", argi)
			argi++
		}
		ph[len(ph)-1] += "::jsonb"
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	if len(placeholders) == 0 {
		return "", nil, rejected
	}
	sql := "INSERT INTO dead_letter_events (" + strings.Join(deadLetterCols, ",") + ") VALUES " +
		strings.Join(placeholders, ",") +
		" ON CONFLICT (event_id) DO NOTHING"
	return sql, args, rejected
}
