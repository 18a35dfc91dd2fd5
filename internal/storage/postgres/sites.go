package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/insighthub/internal/site"
)

const siteByTokenSQL = `
SELECT id, tracking_id, domain, allowed_hosts, is_active,
       enable_heatmaps, enable_recordings, anonymize_ips, respect_dnt
FROM sites
WHERE tracking_id = $1`

// SiteByToken loads a site by its public tracking id. Unknown tokens return
// site.ErrNotFound; inactive sites are returned as-is for the resolver to
// judge.
func (db *DB) SiteByToken(ctx context.Context, token string) (site.Config, error) {
	var c site.Config
	err := db.Pool.QueryRow(ctx, siteByTokenSQL, token).Scan(
		&c.ID, &c.TrackingID, &c.Domain, &c.AllowedHosts, &c.IsActive,
		&c.EnableHeatmaps, &c.EnableRecordings, &c.AnonymizeIPs, &c.RespectDNT,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return site.Config{}, site.ErrNotFound
	}
	if err != nil {
		return site.Config{}, fmt.Errorf("query site: %w", err)
	}
	return c, nil
}
