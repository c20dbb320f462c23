// Package schemacache is the pgxpool-backed reference implementation of
// collab.SchemaCache: it resolves table identities and column layouts
// from PostgreSQL's own catalogs and caches historical schema versions
// captured by the migration pipeline (§6.2).
package schemacache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/model"
)

// Cache resolves relations against a live PostgreSQL connection pool and
// memoizes both the latest catalog snapshot and any historical schema
// version it has reconstructed.
type Cache struct {
	pool *pgxpool.Pool

	mu       sync.RWMutex
	latest   map[model.RelationIdentity]*model.Relation
	byID     map[uint32]*model.Relation
	versions map[string]*collab.Schema
	ready    bool
}

// Open connects to PostgreSQL and returns an empty cache; callers must
// call Refresh before the cache answers queries.
func Open(ctx context.Context, connString string) (*Cache, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("schemacache: parse config: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("schemacache: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schemacache: ping: %w", err)
	}

	c := &Cache{
		pool:     pool,
		latest:   make(map[model.RelationIdentity]*model.Relation),
		byID:     make(map[uint32]*model.Relation),
		versions: make(map[string]*collab.Schema),
	}
	return c, nil
}

func (c *Cache) Close() { c.pool.Close() }

const electrifiedTablesQuery = `
SELECT c.oid, n.nspname, c.relname
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
JOIN electric.electrified_tables e ON e.oid = c.oid
WHERE c.relkind = 'r'
ORDER BY n.nspname, c.relname
`

const columnsQuery = `
SELECT a.attname, t.typname, NOT a.attnotnull,
       COALESCE(i.indisprimary, false)
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_type t ON t.oid = a.atttypid
LEFT JOIN pg_catalog.pg_index i
       ON i.indrelid = a.attrelid AND a.attnum = ANY(i.indkey) AND i.indisprimary
WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum
`

// Refresh reloads the electrified table list and their column layouts
// from the PostgreSQL catalogs. Call it on startup and after every
// observed migration.
func (c *Cache) Refresh(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, electrifiedTablesQuery)
	if err != nil {
		return fmt.Errorf("schemacache: query electrified tables: %w", err)
	}
	defer rows.Close()

	latest := make(map[model.RelationIdentity]*model.Relation)
	byID := make(map[uint32]*model.Relation)

	for rows.Next() {
		var oid uint32
		var schema, table string
		if err := rows.Scan(&oid, &schema, &table); err != nil {
			return fmt.Errorf("schemacache: scan table row: %w", err)
		}
		rel, err := c.loadColumns(ctx, oid, schema, table)
		if err != nil {
			return err
		}
		latest[rel.Identity] = rel
		byID[oid] = rel
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schemacache: iterate tables: %w", err)
	}

	c.mu.Lock()
	c.latest = latest
	c.byID = byID
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *Cache) loadColumns(ctx context.Context, oid uint32, schema, table string) (*model.Relation, error) {
	rows, err := c.pool.Query(ctx, columnsQuery, oid)
	if err != nil {
		return nil, fmt.Errorf("schemacache: query columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	rel := &model.Relation{
		Identity:    model.RelationIdentity{Schema: schema, Table: table},
		PrimaryKeys: map[string]struct{}{},
		CanonicalID: oid,
	}
	for rows.Next() {
		var col model.Column
		var isPK bool
		if err := rows.Scan(&col.Name, &col.PgType, &col.Nullable, &isPK); err != nil {
			return nil, fmt.Errorf("schemacache: scan column row: %w", err)
		}
		col.PartOfIdentity = isPK
		if isPK {
			rel.PrimaryKeys[col.Name] = struct{}{}
		}
		rel.Columns = append(rel.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schemacache: iterate columns: %w", err)
	}
	return rel, nil
}

// Ready reports whether the cache has completed at least one refresh.
// The origin parameter is accepted for collab.SchemaCache's multi-source
// signature but this implementation only ever serves one PostgreSQL
// origin.
func (c *Cache) Ready(origin string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Relation resolves a relation by stable identity or canonical id.
func (c *Cache) Relation(ref collab.RelationRef) (*model.Relation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ref.ID != nil {
		if rel, ok := c.byID[*ref.ID]; ok {
			return rel, nil
		}
		return nil, fmt.Errorf("schemacache: no relation for id %d", *ref.ID)
	}
	if ref.Identity != nil {
		if rel, ok := c.latest[*ref.Identity]; ok {
			return rel, nil
		}
		return nil, fmt.Errorf("schemacache: no relation %s.%s", ref.Identity.Schema, ref.Identity.Table)
	}
	return nil, fmt.Errorf("schemacache: empty relation reference")
}

// ElectrifiedTables returns the identities of every currently electrified
// table.
func (c *Cache) ElectrifiedTables() ([]model.RelationIdentity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.RelationIdentity, 0, len(c.latest))
	for id := range c.latest {
		out = append(out, id)
	}
	return out, nil
}

// CacheVersion records a reconstructed historical schema so future Load
// calls for the same origin/version don't need to replay migrations.
func (c *Cache) CacheVersion(version string, schema *collab.Schema) {
	c.mu.Lock()
	c.versions[version] = schema
	c.mu.Unlock()
}

// Load returns a previously cached historical schema version. This cache
// never reconstructs one itself — that's the migration pipeline's job,
// invoked through CacheVersion — so an unseen version is always
// ErrUnknownSchemaVersion.
func (c *Cache) Load(origin, version string) (*collab.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if version == "" {
		rels := make([]model.Relation, 0, len(c.latest))
		for _, rel := range c.latest {
			rels = append(rels, *rel)
		}
		return &collab.Schema{Version: "", Relations: rels}, nil
	}
	schema, ok := c.versions[version]
	if !ok {
		return nil, collab.ErrUnknownSchemaVersion
	}
	return schema, nil
}
