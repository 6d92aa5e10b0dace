package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedDSN is returned for store DSNs that are neither Postgres nor SQLite.
var ErrUnsupportedDSN = errors.New("unsupported store DSN")

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// WithDBName returns dsn with its database path replaced by database.
// A DSN without a scheme is treated as postgres://.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// parseStoreDSN maps a store DSN to a driver name and its connection string.
// sqlite://path opens a SQLite file; postgres:// and postgresql:// go to pgx.
func parseStoreDSN(dsn string) (dialect, string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return 0, "", "", fmt.Errorf("%w: empty sqlite path", ErrUnsupportedDSN)
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return dialectSQLite, "sqlite", path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return dialectPostgres, "pgx", dsn, nil
	}
	return 0, "", "", fmt.Errorf("%w: %q", ErrUnsupportedDSN, redact(dsn))
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(d dialect, q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
