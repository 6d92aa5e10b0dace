package loader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"

	"route-segments/internal/db"
	"route-segments/internal/gtfs"
)

// Postgres loads tables from a GTFS import in Postgres. Coordinates are read
// from the lat/lon columns when present, otherwise from the PostGIS
// geography columns written by postgis-gtfs-importer.
type Postgres struct {
	DB     *sql.DB
	Schema string
	Logger *slog.Logger
}

func (p Postgres) Load(ctx context.Context) (gtfs.Tables, error) {
	var t gtfs.Tables
	schema := p.Schema
	if schema == "" {
		schema = "public"
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	stopCols, err := db.HasColumns(ctx, p.DB, schema, "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return t, fmt.Errorf("introspect stops columns: %w", err)
	}
	q, err := stopsQuery(stopCols)
	if err != nil {
		return t, err
	}
	var skipped int
	if t.Stops, skipped, err = queryStops(ctx, p.DB, q); err != nil {
		return t, err
	}
	if skipped > 0 {
		logger.Warn("skipped stops with non-finite coordinates", slog.Int("rows", skipped))
	}

	if t.Trips, skipped, err = queryTrips(ctx, p.DB); err != nil {
		return t, err
	}
	if skipped > 0 {
		logger.Warn("skipped trips with unparsable direction_id", slog.Int("rows", skipped))
	}

	if t.StopTimes, err = queryStopTimes(ctx, p.DB); err != nil {
		return t, err
	}

	shapeCols, err := db.HasColumns(ctx, p.DB, schema, "shapes", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return t, fmt.Errorf("introspect shapes columns: %w", err)
	}
	q, err = shapesQuery(shapeCols)
	if err != nil {
		return t, err
	}
	if t.ShapePoints, skipped, err = queryShapePoints(ctx, p.DB, q); err != nil {
		return t, err
	}
	if skipped > 0 {
		logger.Warn("skipped shape points with non-finite coordinates", slog.Int("rows", skipped))
	}

	logger.Info("gtfs loaded",
		slog.String("schema", schema),
		slog.Int("stops", len(t.Stops)),
		slog.Int("trips", len(t.Trips)),
		slog.Int("stop_times", len(t.StopTimes)),
		slog.Int("shape_points", len(t.ShapePoints)),
	)
	return t, nil
}

func stopsQuery(cols map[string]bool) (string, error) {
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		return `SELECT stop_id, COALESCE(stop_name, ''), stop_lat, stop_lon
             FROM stops WHERE stop_lat IS NOT NULL AND stop_lon IS NOT NULL`, nil
	case cols["stop_loc"]:
		return `SELECT stop_id, COALESCE(stop_name, ''),
                    ST_Y(stop_loc::geometry), ST_X(stop_loc::geometry)
             FROM stops WHERE stop_loc IS NOT NULL`, nil
	}
	return "", fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
}

func shapesQuery(cols map[string]bool) (string, error) {
	switch {
	case cols["shape_pt_lat"] && cols["shape_pt_lon"]:
		return `SELECT shape_id, shape_pt_lat, shape_pt_lon, shape_pt_sequence
             FROM shapes ORDER BY shape_id, shape_pt_sequence`, nil
	case cols["shape_pt_loc"]:
		return `SELECT shape_id,
                    ST_Y(shape_pt_loc::geometry),
                    ST_X(shape_pt_loc::geometry),
                    shape_pt_sequence
             FROM shapes ORDER BY shape_id, shape_pt_sequence`, nil
	}
	return "", fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
}

// queryStops drops rows whose coordinates are NaN or infinite and returns
// how many it dropped.
func queryStops(ctx context.Context, conn *sql.DB, q string) ([]gtfs.Stop, int, error) {
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var out []gtfs.Stop
	var skipped int
	for rows.Next() {
		var s gtfs.Stop
		if err := rows.Scan(&s.StopID, &s.StopName, &s.StopLat, &s.StopLon); err != nil {
			return nil, 0, err
		}
		if !finite(s.StopLat) || !finite(s.StopLon) {
			skipped++
			continue
		}
		out = append(out, s)
	}
	return out, skipped, rows.Err()
}

func queryTrips(ctx context.Context, conn *sql.DB) ([]gtfs.Trip, int, error) {
	q := `SELECT trip_id, route_id, COALESCE(shape_id, ''), COALESCE(direction_id::text, '')
          FROM trips ORDER BY trip_id`
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	var out []gtfs.Trip
	skipped := 0
	for rows.Next() {
		var t gtfs.Trip
		var dir string
		if err := rows.Scan(&t.TripID, &t.RouteID, &t.ShapeID, &dir); err != nil {
			return nil, 0, err
		}
		d, ok := parseDirection(dir)
		if !ok {
			skipped++
			continue
		}
		t.DirectionID = d
		out = append(out, t)
	}
	return out, skipped, rows.Err()
}

// Rows are ordered by trip and stop_sequence since a table scan has no
// stable order.
func queryStopTimes(ctx context.Context, conn *sql.DB) ([]gtfs.StopTime, error) {
	q := `SELECT trip_id, stop_id, stop_sequence,
                 COALESCE(arrival_time::text, ''),
                 COALESCE(departure_time::text, '')
          FROM stop_times
          ORDER BY trip_id, stop_sequence`
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()
	var out []gtfs.StopTime
	for rows.Next() {
		var st gtfs.StopTime
		if err := rows.Scan(&st.TripID, &st.StopID, &st.StopSequence, &st.ArrivalTime, &st.DepartureTime); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func queryShapePoints(ctx context.Context, conn *sql.DB, q string) ([]gtfs.ShapePoint, int, error) {
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var out []gtfs.ShapePoint
	var skipped int
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.ShapeID, &p.Lat, &p.Lon, &p.Sequence); err != nil {
			return nil, 0, err
		}
		if !finite(p.Lat) || !finite(p.Lon) {
			skipped++
			continue
		}
		out = append(out, p)
	}
	return out, skipped, rows.Err()
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
