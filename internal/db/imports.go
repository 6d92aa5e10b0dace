package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ResolveLatestImportDBName returns the most recently imported database whose
// name contains city, as recorded in public.latest_successful_imports by
// postgis-gtfs-importer. meta must be connected to the cluster's postgres db.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var name sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", fmt.Errorf("resolve import for %q: %w", city, err)
	}
	if !name.Valid || name.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return name.String, nil
}

// ResolveCityDSN connects to the postgres database of the cluster behind
// base, looks up the latest import for city and returns a DSN pointing at it.
func ResolveCityDSN(ctx context.Context, base, city string) (string, string, error) {
	rootDSN, err := WithDBName(base, "postgres")
	if err != nil {
		return "", "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return "", "", err
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return "", "", fmt.Errorf("ping meta db: %w", err)
	}
	name, err := ResolveLatestImportDBName(ctx, meta, city)
	if err != nil {
		return "", "", err
	}
	dsn, err := WithDBName(base, name)
	if err != nil {
		return "", "", err
	}
	return dsn, name, nil
}
