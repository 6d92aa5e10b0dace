// Package loader reads GTFS snapshots into gtfs.Tables, either from CSV
// files (a directory or a zip archive) or from a Postgres GTFS import.
package loader

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"route-segments/internal/gtfs"
)

// Source yields one immutable snapshot of the input tables.
type Source interface {
	Load(ctx context.Context) (gtfs.Tables, error)
}

// Files loads tables from a directory or a .zip archive. Each table may be
// named <table>.txt or <table>.csv. A missing table loads as empty.
type Files struct {
	Path   string
	Logger *slog.Logger
}

var tableNames = []string{"stops", "trips", "stop_times", "shapes"}

func (f Files) Load(ctx context.Context) (gtfs.Tables, error) {
	var t gtfs.Tables
	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	open, closeFn, err := f.opener()
	if err != nil {
		return t, err
	}
	defer closeFn()

	for _, name := range tableNames {
		if err := ctx.Err(); err != nil {
			return t, err
		}
		rc, file, err := open(name)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("table not found", slog.String("table", name), slog.String("path", f.Path))
			continue
		}
		if err != nil {
			return t, fmt.Errorf("open %s: %w", name, err)
		}
		skipped, err := parseTable(name, rc, &t)
		rc.Close()
		if err != nil {
			return t, fmt.Errorf("parse %s: %w", file, err)
		}
		if skipped > 0 {
			logger.Warn("skipped malformed rows", slog.String("file", file), slog.Int("rows", skipped))
		}
	}

	logger.Info("gtfs loaded",
		slog.String("path", f.Path),
		slog.Int("stops", len(t.Stops)),
		slog.Int("trips", len(t.Trips)),
		slog.Int("stop_times", len(t.StopTimes)),
		slog.Int("shape_points", len(t.ShapePoints)),
	)
	return t, nil
}

type openFunc func(table string) (io.ReadCloser, string, error)

func (f Files) opener() (openFunc, func(), error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return func(table string) (io.ReadCloser, string, error) {
			for _, ext := range []string{".txt", ".csv"} {
				p := filepath.Join(f.Path, table+ext)
				fh, err := os.Open(p)
				if err == nil {
					return fh, p, nil
				}
				if !errors.Is(err, fs.ErrNotExist) {
					return nil, p, err
				}
			}
			return nil, "", fs.ErrNotExist
		}, func() {}, nil
	}

	zr, err := zip.OpenReader(f.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open zip: %w", err)
	}
	files := make(map[string]*zip.File)
	for _, zf := range zr.File {
		base := path.Base(zf.Name)
		if _, ok := files[base]; !ok {
			files[base] = zf
		}
	}
	return func(table string) (io.ReadCloser, string, error) {
		for _, ext := range []string{".txt", ".csv"} {
			if zf, ok := files[table+ext]; ok {
				rc, err := zf.Open()
				return rc, zf.Name, err
			}
		}
		return nil, "", fs.ErrNotExist
	}, func() { zr.Close() }, nil
}

func parseTable(name string, r io.Reader, t *gtfs.Tables) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	idx := makeIndex(header)

	skipped := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		var ok bool
		switch name {
		case "stops":
			ok = appendStop(t, record, idx)
		case "trips":
			ok = appendTrip(t, record, idx)
		case "stop_times":
			ok = appendStopTime(t, record, idx)
		case "shapes":
			ok = appendShapePoint(t, record, idx)
		}
		if !ok {
			skipped++
		}
	}
	return skipped, nil
}

func appendStop(t *gtfs.Tables, record []string, idx map[string]int) bool {
	id := getField(record, idx, "stop_id")
	lat, ok1 := parseCoord(getField(record, idx, "stop_lat"))
	lon, ok2 := parseCoord(getField(record, idx, "stop_lon"))
	if id == "" || !ok1 || !ok2 {
		return false
	}
	t.Stops = append(t.Stops, gtfs.Stop{
		StopID:   id,
		StopName: getField(record, idx, "stop_name"),
		StopLat:  lat,
		StopLon:  lon,
	})
	return true
}

func appendTrip(t *gtfs.Tables, record []string, idx map[string]int) bool {
	id := getField(record, idx, "trip_id")
	route := getField(record, idx, "route_id")
	if id == "" || route == "" {
		return false
	}
	dir, ok := parseDirection(getField(record, idx, "direction_id"))
	if !ok {
		return false
	}
	t.Trips = append(t.Trips, gtfs.Trip{
		TripID:      id,
		RouteID:     route,
		ShapeID:     getField(record, idx, "shape_id"),
		DirectionID: dir,
	})
	return true
}

// Times are kept raw; the engine decides what is parsable.
func appendStopTime(t *gtfs.Tables, record []string, idx map[string]int) bool {
	id := getField(record, idx, "trip_id")
	seq, err := strconv.Atoi(getField(record, idx, "stop_sequence"))
	if id == "" || err != nil {
		return false
	}
	t.StopTimes = append(t.StopTimes, gtfs.StopTime{
		TripID:        id,
		StopID:        getField(record, idx, "stop_id"),
		StopSequence:  seq,
		ArrivalTime:   getField(record, idx, "arrival_time"),
		DepartureTime: getField(record, idx, "departure_time"),
	})
	return true
}

func appendShapePoint(t *gtfs.Tables, record []string, idx map[string]int) bool {
	id := getField(record, idx, "shape_id")
	lat, ok1 := parseCoord(getField(record, idx, "shape_pt_lat"))
	lon, ok2 := parseCoord(getField(record, idx, "shape_pt_lon"))
	seq, err := strconv.Atoi(getField(record, idx, "shape_pt_sequence"))
	if id == "" || !ok1 || !ok2 || err != nil {
		return false
	}
	t.ShapePoints = append(t.ShapePoints, gtfs.ShapePoint{ShapeID: id, Lat: lat, Lon: lon, Sequence: seq})
	return true
}

// parseCoord rejects NaN and infinities, which ParseFloat accepts.
func parseCoord(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) {
		return 0, false
	}
	return f, true
}

// parseDirection treats an empty direction_id as 0.
func parseDirection(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	d, err := strconv.Atoi(s)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	i, ok := idx[field]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
