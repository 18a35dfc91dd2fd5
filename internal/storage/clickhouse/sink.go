// Package clickhouse is the analytics sink: bulk inserts into the events
// table and ad hoc queries for the stats path.
package clickhouse

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"example.com/insighthub/internal/domain"
)

type Options struct {
	Addr        []string
	Database    string
	User        string
	Password    string
	DialTimeout time.Duration
}

// Row is one insert row in column order.
type Row []any

type Sink struct {
	conn     driver.Conn
	database string
	logger   *zap.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open connects and pings. Tables are qualified with Options.Database, so
// the connection itself stays on the server default database.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Sink, error) {
	if !identRe.MatchString(opts.Database) {
		return nil, fmt.Errorf("invalid clickhouse database name %q", opts.Database)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Username: opts.User,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Sink{conn: conn, database: opts.Database, logger: logger.Named("clickhouse")}, nil
}

func (s *Sink) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

func (s *Sink) Close() error { return s.conn.Close() }

// EnsureSchema creates the database and tables when missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.database) {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.logger.Info("schema ready", zap.String("database", s.database))
	return nil
}

// BulkInsert writes rows in one native batch. Duplicate delivery on retry
// is possible; rows carry event_id for downstream dedup.
func (s *Sink) BulkInsert(ctx context.Context, table string, columns []string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	query := fmt.Sprintf("INSERT INTO %s.%s (%s)", s.database, table, strings.Join(columns, ", "))
	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch to %s: %w", table, err)
	}
	return nil
}

// InsertEvents writes enriched events to the events table.
func (s *Sink) InsertEvents(ctx context.Context, events []domain.EnrichedEvent) error {
	rows := make([]Row, len(events))
	for i := range events {
		rows[i] = eventRow(&events[i])
	}
	return s.BulkInsert(ctx, EventsTable, EventColumns, rows)
}

// Query runs a read query and returns each row keyed by column name.
func (s *Sink) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols := rows.ColumnTypes()
	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(cols))
		for i, ct := range cols {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m := make(map[string]any, len(cols))
		for i, ct := range cols {
			m[ct.Name()] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// eventRow flattens an event in EventColumns order. Properties decay to
// JSON text here and nowhere earlier.
func eventRow(ev *domain.EnrichedEvent) Row {
	return Row{
		ev.EventID, ev.SiteID, ev.VisitorID, ev.SessionID,
		ev.EventName, ev.Properties.JSON(),
		ev.PageURL, ev.PagePath, ev.PageTitle, ev.PageReferrer,
		ev.UTMSource, ev.UTMMedium, ev.UTMCampaign, ev.UTMTerm, ev.UTMContent, string(ev.ChannelGroup),
		ev.Browser, ev.BrowserVersion, ev.OS, ev.OSVersion, ev.DeviceType,
		ev.ScreenWidth, ev.ScreenHeight, ev.ViewportWidth, ev.ViewportHeight,
		ev.CountryCode, ev.Region, ev.City, ev.Timezone, ev.Language,
		ev.Timestamp, ev.ClientTimestamp,
		ev.IsNewVisitor, ev.IsNewSession,
		ev.HeatmapX, ev.HeatmapY, ev.ScrollDepth,
	}
}
