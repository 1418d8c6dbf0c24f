package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/foxzi/basket/internal/news"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const newsletterColumns = "slug, title, active, languages, vendor_id, requires_double_optin, firefox_confirm"

// Postgres reads newsletter definitions from a PostgreSQL table
type Postgres struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects to the database at url
func OpenPostgres(url, table string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	p, err := NewPostgres(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres creates a catalog on an existing connection pool
func NewPostgres(db *sql.DB, table string) (*Postgres, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid catalog table name: %q", table)
	}
	return &Postgres{db: db, table: table}, nil
}

// Ping verifies the database is reachable
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Newsletters returns the definitions of the known slugs
func (p *Postgres) Newsletters(ctx context.Context, slugs []string) (map[string]*news.Newsletter, error) {
	out := make(map[string]*news.Newsletter, len(slugs))
	if len(slugs) == 0 {
		return out, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE slug = ANY($1)", newsletterColumns, p.table)
	rows, err := p.db.QueryContext(ctx, query, pq.Array(slugs))
	if err != nil {
		return nil, fmt.Errorf("failed to query newsletters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		nl, err := scanNewsletter(rows)
		if err != nil {
			return nil, err
		}
		out[nl.Slug] = nl
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read newsletters: %w", err)
	}

	return out, nil
}

// List returns all newsletters sorted by slug
func (p *Postgres) List(ctx context.Context) ([]*news.Newsletter, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY slug", newsletterColumns, p.table)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query newsletters: %w", err)
	}
	defer rows.Close()

	var out []*news.Newsletter
	for rows.Next() {
		nl, err := scanNewsletter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read newsletters: %w", err)
	}

	return out, nil
}

func scanNewsletter(rows *sql.Rows) (*news.Newsletter, error) {
	var (
		nl        news.Newsletter
		title     sql.NullString
		languages sql.NullString
		vendorID  sql.NullString
	)
	err := rows.Scan(&nl.Slug, &title, &nl.Active, &languages, &vendorID,
		&nl.RequiresDoubleOptin, &nl.FirefoxConfirm)
	if err != nil {
		return nil, fmt.Errorf("failed to scan newsletter: %w", err)
	}

	nl.Title = title.String
	nl.VendorID = vendorID.String
	nl.Languages = splitLanguages(languages.String)
	return &nl, nil
}

// splitLanguages parses a comma-separated language list
func splitLanguages(s string) []string {
	var out []string
	for _, lang := range strings.Split(s, ",") {
		if lang = strings.TrimSpace(lang); lang != "" {
			out = append(out, lang)
		}
	}
	return out
}
