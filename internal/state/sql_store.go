package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"dirsync/internal/model"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on database/sql (modernc sqlite or pgx).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// OpenSQL opens and pings a database. For sqlite, dsn is a file path or
// ":memory:".
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		if dsn == ":memory:" {
			dsn = "file::memory:?_pragma=foreign_keys(1)"
		} else {
			dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
		}
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// One connection keeps ":memory:" databases alive and serializes writers.
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	return NewSQLStore(db, dialect, logger), nil
}

// NewSQLStore wraps an already opened connection.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	return rebind(s.dialect, q)
}

func rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// snapshotTxOptions returns the options for consistent multi-statement reads.
// SQLite transactions are already serializable.
func (s *SQLStore) snapshotTxOptions() *sql.TxOptions {
	if s.dialect == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const listingColumns = `id, tenant_id, name, slug, city, state, lat, lng, rating_avg, rating_count, item_count, featured, published, created_at`

const categoryColumns = `id, scope, tenant_id, name, slug, external_ref, parent_id, active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(r rowScanner) (model.Listing, error) {
	var (
		l              model.Listing
		lat, lng, rate sql.NullFloat64
		created        dbTime
	)
	if err := r.Scan(&l.ID, &l.TenantID, &l.Name, &l.Slug, &l.City, &l.State, &lat, &lng, &rate,
		&l.RatingCount, &l.ItemCount, &l.Featured, &l.Published, &created); err != nil {
		return model.Listing{}, err
	}
	l.Lat = floatPtr(lat)
	l.Lng = floatPtr(lng)
	l.RatingAvg = floatPtr(rate)
	l.CreatedAt = created.Time
	return l, nil
}

func scanCategory(r rowScanner) (model.Category, error) {
	var (
		c      model.Category
		scope  string
		parent sql.NullString
	)
	if err := r.Scan(&c.ID, &scope, &c.TenantID, &c.Name, &c.Slug, &c.ExternalRef, &parent, &c.Active); err != nil {
		return model.Category{}, err
	}
	c.Scope = model.CategoryScope(scope)
	if parent.Valid {
		p := parent.String
		c.ParentID = &p
	}
	return c, nil
}

func (s *SQLStore) LoadScope(ctx context.Context, scope string) (*Dataset, error) {
	tx, err := s.db.BeginTx(ctx, s.snapshotTxOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ds := &Dataset{
		Scope:      scope,
		Listings:   make(map[string]model.Listing),
		Categories: make(map[string]model.Category),
	}

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+listingColumns+` FROM listings WHERE tenant_id = ? AND published = ?`), scope, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		ds.Listings[l.ID] = l
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("failed to iterate listings: %w", err)
	}

	rows, err = tx.QueryContext(ctx, s.rebind(`SELECT `+categoryColumns+` FROM categories WHERE active = ?`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		ds.Categories[c.ID] = c
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("failed to iterate categories: %w", err)
	}

	rows, err = tx.QueryContext(ctx, s.rebind(`
		SELECT lc.listing_id, lc.category_id, lc.is_primary
		FROM listing_categories lc
		JOIN listings l ON l.id = lc.listing_id
		WHERE l.tenant_id = ? AND l.published = ?`), scope, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	for rows.Next() {
		var a model.Association
		if err := rows.Scan(&a.ListingID, &a.CategoryID, &a.IsPrimary); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		ds.Associations = append(ds.Associations, a)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("failed to iterate associations: %w", err)
	}
	return ds, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func (s *SQLStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM listings ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scopes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) Listing(ctx context.Context, id string) (model.Listing, bool, error) {
	return getListing(ctx, s.db, s.dialect, id)
}

func (s *SQLStore) Category(ctx context.Context, id string) (model.Category, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+categoryColumns+` FROM categories WHERE id = ?`), id)
	c, err := scanCategory(row)
	if err == sql.ErrNoRows {
		return model.Category{}, false, nil
	}
	if err != nil {
		return model.Category{}, false, fmt.Errorf("failed to get category: %w", err)
	}
	return c, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getListing(ctx context.Context, q queryer, d Dialect, id string) (model.Listing, bool, error) {
	row := q.QueryRowContext(ctx, rebind(d, `SELECT `+listingColumns+` FROM listings WHERE id = ?`), id)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return model.Listing{}, false, nil
	}
	if err != nil {
		return model.Listing{}, false, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, true, nil
}

func (s *SQLStore) UpsertListing(ctx context.Context, l model.Listing) error {
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id, name = excluded.name, slug = excluded.slug,
			city = excluded.city, state = excluded.state, lat = excluded.lat, lng = excluded.lng,
			rating_avg = excluded.rating_avg, rating_count = excluded.rating_count,
			item_count = excluded.item_count, featured = excluded.featured,
			published = excluded.published`),
		l.ID, l.TenantID, l.Name, l.Slug, l.City, l.State,
		nullFloat(l.Lat), nullFloat(l.Lng), nullFloat(l.RatingAvg),
		l.RatingCount, l.ItemCount, l.Featured, l.Published, created.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert listing %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLStore) UpsertCategory(ctx context.Context, c model.Category) error {
	scope := c.Scope
	if scope == "" {
		scope = model.ScopePlatform
	}
	var parent sql.NullString
	if c.ParentID != nil {
		parent = sql.NullString{String: *c.ParentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO categories (`+categoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scope = excluded.scope, tenant_id = excluded.tenant_id, name = excluded.name,
			slug = excluded.slug, external_ref = excluded.external_ref,
			parent_id = excluded.parent_id, active = excluded.active`),
		c.ID, string(scope), c.TenantID, c.Name, c.Slug, c.ExternalRef, parent, c.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert category %s: %w", c.ID, err)
	}
	return nil
}

// DeleteListing removes a listing; associations cascade.
func (s *SQLStore) DeleteListing(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM listings WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete listing %s: %w", id, err)
	}
	return nil
}

// DeleteCategory removes a category; associations cascade.
func (s *SQLStore) DeleteCategory(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM categories WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete category %s: %w", id, err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) Listing(ctx context.Context, id string) (model.Listing, bool, error) {
	return getListing(ctx, t.tx, t.dialect, id)
}

func (t *sqlTx) CategoriesByID(ctx context.Context, ids []string) (map[string]model.Category, error) {
	out := make(map[string]model.Category, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := `SELECT ` + categoryColumns + ` FROM categories WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := t.tx.QueryContext(ctx, rebind(t.dialect, q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (t *sqlTx) Associations(ctx context.Context, listingID string) ([]model.Association, error) {
	rows, err := t.tx.QueryContext(ctx, rebind(t.dialect,
		`SELECT listing_id, category_id, is_primary FROM listing_categories WHERE listing_id = ? ORDER BY category_id`), listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()
	var out []model.Association
	for rows.Next() {
		var a model.Association
		if err := rows.Scan(&a.ListingID, &a.CategoryID, &a.IsPrimary); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertAssociation(ctx context.Context, a model.Association) error {
	_, err := t.tx.ExecContext(ctx, rebind(t.dialect,
		`INSERT INTO listing_categories (listing_id, category_id, is_primary) VALUES (?, ?, ?)`),
		a.ListingID, a.CategoryID, a.IsPrimary)
	if err != nil {
		return fmt.Errorf("failed to insert association %s/%s: %w", a.ListingID, a.CategoryID, err)
	}
	return nil
}

func (t *sqlTx) UpdateAssociation(ctx context.Context, a model.Association) error {
	res, err := t.tx.ExecContext(ctx, rebind(t.dialect,
		`UPDATE listing_categories SET is_primary = ? WHERE listing_id = ? AND category_id = ?`),
		a.IsPrimary, a.ListingID, a.CategoryID)
	if err != nil {
		return fmt.Errorf("failed to update association %s/%s: %w", a.ListingID, a.CategoryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update association %s/%s: not found", a.ListingID, a.CategoryID)
	}
	return nil
}

func (t *sqlTx) DeleteAssociation(ctx context.Context, listingID, categoryID string) error {
	_, err := t.tx.ExecContext(ctx, rebind(t.dialect,
		`DELETE FROM listing_categories WHERE listing_id = ? AND category_id = ?`), listingID, categoryID)
	if err != nil {
		return fmt.Errorf("failed to delete association %s/%s: %w", listingID, categoryID, err)
	}
	return nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// dbTime scans timestamps that drivers hand back either as time.Time or as
// text.
type dbTime struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case int64:
		t.Time = time.Unix(v, 0).UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
