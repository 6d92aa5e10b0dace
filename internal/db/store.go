package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"route-segments/internal/gtfs"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS route_stop_segments (
    run_id              TEXT NOT NULL,
    ord                 INTEGER NOT NULL,
    route_id            TEXT NOT NULL,
    direction_id        INTEGER NOT NULL,
    trip_id             TEXT NOT NULL,
    stop_id             TEXT NOT NULL,
    next_stop_id        TEXT NOT NULL,
    stop_name           TEXT NOT NULL,
    stop_sequence       INTEGER NOT NULL,
    stop_lat            DOUBLE PRECISION,
    stop_lon            DOUBLE PRECISION,
    travel_time_minutes DOUBLE PRECISION,
    distance_km         DOUBLE PRECISION,
    traffic_flow        INTEGER,
    weather             TEXT,
    incidents           INTEGER,
    conditions_at       TEXT,
    PRIMARY KEY (route_id, direction_id, trip_id, stop_id, stop_sequence)
)`,
	`CREATE TABLE IF NOT EXISTS stop_conditions (
    stop_id        TEXT PRIMARY KEY,
    waiting_people INTEGER NOT NULL,
    updated_at     TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS segment_runs (
    run_id     TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    segments   INTEGER NOT NULL,
    report     TEXT NOT NULL
)`,
}

// Fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNoRun is returned by LatestRun when nothing has been written yet.
var ErrNoRun = errors.New("no segment run stored")

// Store is the graph store holding the latest segment run: stops are nodes
// and each row with a next stop is an edge stop -> next stop of a route.
type Store struct {
	conn    *sql.DB
	dialect dialect
	writeMu sync.Mutex
}

// Run describes one persisted segmenter run.
type Run struct {
	ID        string
	CreatedAt time.Time
	Segments  int
	Report    []byte
}

// Edge identifies one stop -> next stop hop of the stored run.
type Edge struct {
	RouteID      string
	DirectionID  int
	TripID       string
	StopID       string
	NextStopID   string
	StopSequence int
}

type EdgeCondition struct {
	Edge
	TrafficFlow int
	Weather     string
	Incidents   int
}

type StopCondition struct {
	StopID        string
	WaitingPeople int
}

// OpenStore opens the store named by dsn: sqlite://path or postgres://...
func OpenStore(dsn string) (*Store, error) {
	d, driver, conn, err := parseStoreDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if d == dialectSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return &Store{conn: db, dialect: d}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) Ping(ctx context.Context) error { return Ping(ctx, s.conn) }

func (s *Store) EnsureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range schema {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// WriteSegments replaces the stored run with segs in one transaction.
func (s *Store) WriteSegments(ctx context.Context, run Run, segs []gtfs.Segment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_stop_segments`); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO route_stop_segments
        (run_id, ord, route_id, direction_id, trip_id, stop_id, next_stop_id, stop_name,
         stop_sequence, stop_lat, stop_lon, travel_time_minutes, distance_km)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, seg := range segs {
		if _, err := stmt.ExecContext(ctx,
			run.ID, i, seg.RouteID, seg.DirectionID, seg.TripID, seg.StopID, seg.NextStopID, seg.StopName,
			seg.StopSequence, seg.StopLat, seg.StopLon, seg.TravelTimeMinutes, seg.DistanceKm,
		); err != nil {
			return fmt.Errorf("insert segment %s/%s/%d: %w", seg.RouteID, seg.StopID, seg.StopSequence, err)
		}
	}

	report := string(run.Report)
	if report == "" {
		report = "{}"
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO segment_runs (run_id, created_at, segments, report) VALUES (?, ?, ?, ?)`),
		run.ID, run.CreatedAt.UTC().Format(timeLayout), len(segs), report,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

// Segments returns the stored rows in the order they were written.
func (s *Store) Segments(ctx context.Context) ([]gtfs.Segment, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT route_id, direction_id, trip_id, stop_id, next_stop_id,
        stop_name, stop_sequence, stop_lat, stop_lon, travel_time_minutes, distance_km
        FROM route_stop_segments ORDER BY ord`)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()
	var out []gtfs.Segment
	for rows.Next() {
		var seg gtfs.Segment
		if err := rows.Scan(&seg.RouteID, &seg.DirectionID, &seg.TripID, &seg.StopID, &seg.NextStopID,
			&seg.StopName, &seg.StopSequence, &seg.StopLat, &seg.StopLon, &seg.TravelTimeMinutes, &seg.DistanceKm); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Edges returns every stored row that has a next stop.
func (s *Store) Edges(ctx context.Context) ([]Edge, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT route_id, direction_id, trip_id, stop_id, next_stop_id, stop_sequence
        FROM route_stop_segments WHERE next_stop_id <> '' ORDER BY ord`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.RouteID, &e.DirectionID, &e.TripID, &e.StopID, &e.NextStopID, &e.StopSequence); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StopIDs returns the distinct stops referenced by the stored run.
func (s *Store) StopIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT stop_id FROM route_stop_segments
        GROUP BY stop_id ORDER BY MIN(ord)`)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEdgeConditions(ctx context.Context, conds []EdgeCondition, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(`UPDATE route_stop_segments
        SET traffic_flow = ?, weather = ?, incidents = ?, conditions_at = ?
        WHERE route_id = ? AND direction_id = ? AND trip_id = ? AND stop_id = ? AND stop_sequence = ?`))
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	ts := at.UTC().Format(timeLayout)
	for _, c := range conds {
		if _, err := stmt.ExecContext(ctx, c.TrafficFlow, c.Weather, c.Incidents, ts,
			c.RouteID, c.DirectionID, c.TripID, c.StopID, c.StopSequence); err != nil {
			return fmt.Errorf("update edge %s %s->%s: %w", c.RouteID, c.StopID, c.NextStopID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateStopConditions(ctx context.Context, conds []StopCondition, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO stop_conditions (stop_id, waiting_people, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT (stop_id) DO UPDATE SET waiting_people = excluded.waiting_people, updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	ts := at.UTC().Format(timeLayout)
	for _, c := range conds {
		if _, err := stmt.ExecContext(ctx, c.StopID, c.WaitingPeople, ts); err != nil {
			return fmt.Errorf("upsert stop %s: %w", c.StopID, err)
		}
	}
	return tx.Commit()
}

// EdgeConditions returns the edges that have received conditions.
func (s *Store) EdgeConditions(ctx context.Context) ([]EdgeCondition, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT route_id, direction_id, trip_id, stop_id, next_stop_id, stop_sequence,
        traffic_flow, weather, incidents
        FROM route_stop_segments WHERE traffic_flow IS NOT NULL ORDER BY ord`)
	if err != nil {
		return nil, fmt.Errorf("query edge conditions: %w", err)
	}
	defer rows.Close()
	var out []EdgeCondition
	for rows.Next() {
		var c EdgeCondition
		if err := rows.Scan(&c.RouteID, &c.DirectionID, &c.TripID, &c.StopID, &c.NextStopID, &c.StopSequence,
			&c.TrafficFlow, &c.Weather, &c.Incidents); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) StopConditions(ctx context.Context) ([]StopCondition, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT stop_id, waiting_people FROM stop_conditions ORDER BY stop_id`)
	if err != nil {
		return nil, fmt.Errorf("query stop conditions: %w", err)
	}
	defer rows.Close()
	var out []StopCondition
	for rows.Next() {
		var c StopCondition
		if err := rows.Scan(&c.StopID, &c.WaitingPeople); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	var r Run
	var created, report string
	err := s.conn.QueryRowContext(ctx, `SELECT run_id, created_at, segments, report
        FROM segment_runs ORDER BY created_at DESC LIMIT 1`).Scan(&r.ID, &created, &r.Segments, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNoRun
	}
	if err != nil {
		return r, fmt.Errorf("query latest run: %w", err)
	}
	if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return r, fmt.Errorf("parse run time %q: %w", created, err)
	}
	r.Report = []byte(report)
	return r, nil
}

func (s *Store) q(query string) string { return rebind(s.dialect, query) }
