package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Source      string `validate:"oneof=dir postgres"`
	GTFSPath    string `validate:"required_if=Source dir"`
	DatabaseURL string `validate:"required_if=Source postgres"`
	City        string

	DistanceMode      string `validate:"oneof=shape haversine"`
	AllTrips          bool
	HaversineFallback bool
	Aggregate         string `validate:"oneof=none mean"`
	Workers           int    `validate:"gte=0,lte=256"`

	OutputPath         string `validate:"required"`
	OutputCoords       bool
	OutputTripColumns  bool
	OutputPathPolyline bool
	WriteUnusedStops   bool

	StoreDSN string `validate:"omitempty,startswith=sqlite://|startswith=postgres://|startswith=postgresql://"`

	NATSURL           string
	NATSSubjectPrefix string `validate:"required,excludesall=*> "`
	LogNATSSubjects   bool
	MetricsAddr       string

	SimInterval    time.Duration `validate:"gt=0"`
	SimPublishRate float64       `validate:"gte=0"`
	SimSeed        int64

	LogLevel slog.Level
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Source:            strings.ToLower(getenvDefault("GTFS_SOURCE", "dir")),
		GTFSPath:          getenvDefault("GTFS_PATH", "data/gtfs"),
		City:              firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")),
		DistanceMode:      strings.ToLower(getenvDefault("DISTANCE_MODE", "shape")),
		Aggregate:         strings.ToLower(getenvDefault("AGGREGATE", "none")),
		OutputPath:        getenvDefault("OUTPUT_PATH", "output/route_stop_mapping.csv"),
		StoreDSN:          os.Getenv("STORE_DSN"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "segments"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		OutputCoords:      true,
		WriteUnusedStops:  true,
		SimInterval:       60 * time.Second,
	}

	dsn, err := databaseURL()
	if err != nil {
		return nil, err
	}
	cfg.DatabaseURL = dsn

	bools := []struct {
		key string
		dst *bool
	}{
		{"ALL_TRIPS", &cfg.AllTrips},
		{"HAVERSINE_FALLBACK", &cfg.HaversineFallback},
		{"OUTPUT_COORDS", &cfg.OutputCoords},
		{"OUTPUT_TRIP_COLUMNS", &cfg.OutputTripColumns},
		{"OUTPUT_PATH_POLYLINE", &cfg.OutputPathPolyline},
		{"OUTPUT_UNUSED_STOPS", &cfg.WriteUnusedStops},
		{"LOG_NATS_SUBJECTS", &cfg.LogNATSSubjects},
	}
	for _, b := range bools {
		if v, ok := os.LookupEnv(b.key); ok && strings.TrimSpace(v) != "" {
			*b.dst = parseBool(v)
		}
	}

	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKERS: %q", v)
		}
		cfg.Workers = n
	}

	if v := os.Getenv("SIM_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid SIM_INTERVAL_SEC: %q", v)
		}
		cfg.SimInterval = time.Duration(sec) * time.Second
	}

	if v := os.Getenv("SIM_PUBLISH_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SIM_PUBLISH_RATE: %q", v)
		}
		cfg.SimPublishRate = f
	}

	if v := os.Getenv("SIM_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SIM_SEED: %q", v)
		}
		cfg.SimSeed = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from the PG*
// variables. It returns "" when none of them is set.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	db := os.Getenv("PGDATABASE")
	// With CITY the base DB is 'postgres'; the import DB is resolved later.
	if db == "" && firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")) != "" {
		db = "postgres"
	}
	if db == "" {
		if os.Getenv("PGHOST") != "" {
			return "", fmt.Errorf("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		return "", nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

// NewLogger returns a text logger at the configured level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
