// Package output writes segment rows as CSV.
package output

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/twpayne/go-polyline"

	"route-segments/internal/gtfs"
)

// Options selects the optional columns.
type Options struct {
	Coords      bool
	TripColumns bool
	Polyline    bool
}

// Header returns the column names for opts in output order.
func Header(opts Options) []string {
	h := []string{"route_id"}
	if opts.TripColumns {
		h = append(h, "direction_id", "trip_id")
	}
	h = append(h, "stop_id", "stop_name", "stop_sequence")
	if opts.Coords {
		h = append(h, "stop_lat", "stop_lon")
	}
	h = append(h, "travel_time_to_next_stop", "distance_to_next_stop")
	if opts.Polyline {
		h = append(h, "path_polyline")
	}
	return h
}

// WriteCSV writes a header row and one record per segment. Null metrics are
// written as empty fields.
func WriteCSV(w io.Writer, segs []gtfs.Segment, opts Options) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(opts)); err != nil {
		return err
	}
	record := make([]string, 0, len(Header(opts)))
	for _, s := range segs {
		record = record[:0]
		record = append(record, s.RouteID)
		if opts.TripColumns {
			record = append(record, strconv.Itoa(s.DirectionID), s.TripID)
		}
		record = append(record, s.StopID, s.StopName, strconv.Itoa(s.StopSequence))
		if opts.Coords {
			record = append(record, formatNull(s.StopLat), formatNull(s.StopLon))
		}
		record = append(record, formatNull(s.TravelTimeMinutes), formatNull(s.DistanceKm))
		if opts.Polyline {
			record = append(record, encodePath(s.Path))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes segs to path, creating parent directories. A .gz suffix
// compresses the output.
func WriteFile(path string, segs []gtfs.Segment, opts Options) error {
	return writeFile(path, func(w io.Writer) error { return WriteCSV(w, segs, opts) })
}

// WriteUnusedStops writes one extra_stop_id per line under a header.
func WriteUnusedStops(path string, stopIDs []string) error {
	return writeFile(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"extra_stop_id"}); err != nil {
			return err
		}
		for _, id := range stopIDs {
			if err := cw.Write([]string{id}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// UnusedStopsPath derives the unused stops report path from the output path.
func UnusedStopsPath(outputPath string) string {
	base := strings.TrimSuffix(outputPath, ".gz")
	base = strings.TrimSuffix(base, ".csv")
	return base + ".unused_stops.csv"
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}
	if err := fn(w); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
	}
	return bw.Flush()
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func formatNull(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return formatFloat(v.Float64)
}

func encodePath(pts []gtfs.Point) string {
	if len(pts) == 0 {
		return ""
	}
	coords := make([][]float64, len(pts))
	for i, p := range pts {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}
