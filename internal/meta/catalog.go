package meta

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wxsection/nwpcache/internal/nwp"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CatalogConfig controls the Postgres connection pool used for the item
// catalog.
type CatalogConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Catalog mirrors cache admissions and evictions into Postgres so fleet-wide
// tooling can see what every node holds. It is an optional audit surface;
// the sidecar files remain the source of truth for restart recovery.
type Catalog struct {
	pool  execCloser
	table string
}

// NewCatalog creates a Postgres-backed Catalog using the provided config.
func NewCatalog(ctx context.Context, cfg CatalogConfig) (*Catalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "cache_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Catalog{pool: pool, table: table}, nil
}

// NewCatalogWithPool constructs a catalog from an existing pool (primarily
// for testing).
func NewCatalogWithPool(pool execCloser, table string) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "cache_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Catalog{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (c *Catalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// RecordAdmit upserts one catalog row for an admitted or tier-moved item.
func (c *Catalog) RecordAdmit(ctx context.Context, node string, m EntryMeta) error {
	if c == nil || c.pool == nil {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	node,
	source,
	cycle,
	forecast_hour,
	tier,
	store_path,
	size_bytes,
	created_at,
	last_access,
	access_count
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (node, source, cycle, forecast_hour) DO UPDATE
SET tier = EXCLUDED.tier,
	store_path = EXCLUDED.store_path,
	size_bytes = EXCLUDED.size_bytes,
	last_access = EXCLUDED.last_access,
	access_count = EXCLUDED.access_count`, c.table)

	args := []any{
		node,
		m.Source,
		m.Cycle,
		m.ForecastHour,
		m.Tier,
		m.StorePath,
		m.SizeBytes,
		m.CreatedAt,
		m.LastAccess,
		m.AccessCount,
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert catalog row: %w", err)
	}
	return nil
}

// RecordEvict removes the catalog row for an evicted item.
func (c *Catalog) RecordEvict(ctx context.Context, node string, key nwp.ItemKey) error {
	if c == nil || c.pool == nil {
		return nil
	}
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE node = $1 AND source = $2 AND cycle = $3 AND forecast_hour = $4`,
		c.table,
	)
	args := []any{node, string(key.Source), key.Cycle.String(), key.ForecastHour}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete catalog row: %w", err)
	}
	return nil
}
