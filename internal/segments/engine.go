// Package segments derives per-hop distance and travel-time metrics from a
// GTFS snapshot.
//
// For every selected trip the stops are projected onto the trip's shape,
// the polyline between consecutive projections is measured, and the
// scheduled time between the two stops is attached. All inputs are treated
// as immutable snapshots; a run is a pure transform.
package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"route-segments/internal/geo"
	"route-segments/internal/gtfs"
)

// ErrEmptyTable is returned when a required input table has no rows.
var ErrEmptyTable = errors.New("empty input table")

type DistanceMode string

const (
	// ModeShape measures along the trip's shape between projected stops.
	ModeShape DistanceMode = "shape"
	// ModeHaversine measures the great-circle distance between consecutive stops.
	ModeHaversine DistanceMode = "haversine"
)

type Options struct {
	Mode DistanceMode

	// AllTrips disables representative-trip selection.
	AllTrips bool

	// HaversineFallback measures stop-to-stop distance for trips whose
	// shape is missing instead of leaving the distance null.
	HaversineFallback bool

	// IncludePath fills Segment.Path with the measured points.
	IncludePath bool

	// Workers > 1 processes trips concurrently. Output order does not depend on it.
	Workers int

	Observer Observer
}

type Result struct {
	Segments []gtfs.Segment
	Report   Report
}

type tripGroup struct {
	trip  gtfs.Trip
	first int
	rows  []gtfs.StopTime
}

type groupCounts struct {
	unparsable int
	negative   int
	fallbacks  int
	missing    map[WarningKind]int
}

type groupResult struct {
	segments    []gtfs.Segment
	warnings    []Warning
	counts      groupCounts
	missingRows int
}

type engine struct {
	stops map[string]gtfs.Stop
	store *Store
	opts  Options
}

// Compute runs the full pipeline over one snapshot of the input tables.
// It fails only on structural problems: an unknown mode or an empty
// required table. Output is ordered by route, direction, trip (first seen)
// and stop_sequence, and is identical across runs on the same input.
func Compute(ctx context.Context, t gtfs.Tables, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeShape
	}
	if opts.Mode != ModeShape && opts.Mode != ModeHaversine {
		return nil, fmt.Errorf("unknown distance mode %q", opts.Mode)
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	if err := checkTables(t, opts.Mode); err != nil {
		return nil, err
	}

	rep := newReport()
	rep.StopTimesIn = len(t.StopTimes)

	e := &engine{stops: indexStops(t.Stops), opts: opts}
	trips := indexTrips(t.Trips)

	if opts.Mode == ModeShape {
		e.store = NewStore(t.ShapePoints)
		rep.ShapesIndexed = e.store.Len()
		rep.ShapeFailures = e.store.Failed()
		total := e.store.Len() + e.store.Failed()
		obs.OnProgress(Progress{Stage: StageIndexShapes, Done: total, Total: total})
	}

	known := make([]gtfs.StopTime, 0, len(t.StopTimes))
	for _, st := range t.StopTimes {
		if _, ok := trips[st.TripID]; !ok {
			rep.MissingJoin[WarnMissingTrip]++
			rep.MissingJoinRows++
			obs.OnWarning(Warning{
				Kind:         WarnMissingTrip,
				TripID:       st.TripID,
				StopID:       st.StopID,
				StopSequence: st.StopSequence,
				Detail:       "trip_id not found in trips",
			})
			continue
		}
		known = append(known, st)
	}

	selected := known
	if !opts.AllTrips {
		selected = SelectTrips(known, trips)
	}
	groups, repeated := groupByTrip(selected, trips)
	rep.TripsSelected = len(groups)

	results, err := e.run(ctx, groups, obs)
	if err != nil {
		return nil, err
	}

	var segs []gtfs.Segment
	for _, r := range results {
		for _, w := range r.warnings {
			obs.OnWarning(w)
		}
		rep.merge(r.counts)
		rep.MissingJoinRows += r.missingRows
		segs = append(segs, r.segments...)
	}

	segs, dropped := dedupe(segs)
	rep.DuplicatesDropped = repeated + dropped
	rep.SegmentsOut = len(segs)
	rep.UnusedStops = UnusedStops(t.Stops, segs)

	return &Result{Segments: segs, Report: rep}, nil
}

func checkTables(t gtfs.Tables, mode DistanceMode) error {
	switch {
	case len(t.StopTimes) == 0:
		return fmt.Errorf("%w: stop_times", ErrEmptyTable)
	case len(t.Trips) == 0:
		return fmt.Errorf("%w: trips", ErrEmptyTable)
	case len(t.Stops) == 0:
		return fmt.Errorf("%w: stops", ErrEmptyTable)
	case mode == ModeShape && len(t.ShapePoints) == 0:
		return fmt.Errorf("%w: shapes", ErrEmptyTable)
	}
	return nil
}

// First occurrence wins for duplicated ids.
func indexStops(stops []gtfs.Stop) map[string]gtfs.Stop {
	m := make(map[string]gtfs.Stop, len(stops))
	for _, s := range stops {
		if _, ok := m[s.StopID]; !ok {
			m[s.StopID] = s
		}
	}
	return m
}

func indexTrips(trips []gtfs.Trip) map[string]gtfs.Trip {
	m := make(map[string]gtfs.Trip, len(trips))
	for _, t := range trips {
		if _, ok := m[t.TripID]; !ok {
			m[t.TripID] = t
		}
	}
	return m
}

// groupByTrip splits rows per trip, drops repeated (trip, stop, stop_sequence)
// rows and orders the groups route-major. It returns the number of rows dropped.
func groupByTrip(rows []gtfs.StopTime, trips map[string]gtfs.Trip) ([]*tripGroup, int) {
	byID := make(map[string]*tripGroup)
	seen := make(map[naturalKey]struct{}, len(rows))
	var groups []*tripGroup
	dropped := 0
	for i, st := range rows {
		k := naturalKey{trips[st.TripID].RouteID, st.TripID, st.StopID, st.StopSequence}
		if _, dup := seen[k]; dup {
			dropped++
			continue
		}
		seen[k] = struct{}{}
		g, ok := byID[st.TripID]
		if !ok {
			g = &tripGroup{trip: trips[st.TripID], first: i}
			byID[st.TripID] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, st)
	}
	for _, g := range groups {
		sort.SliceStable(g.rows, func(i, j int) bool { return g.rows[i].StopSequence < g.rows[j].StopSequence })
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].trip, groups[j].trip
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		if a.DirectionID != b.DirectionID {
			return a.DirectionID < b.DirectionID
		}
		return groups[i].first < groups[j].first
	})
	return groups, dropped
}

func (e *engine) run(ctx context.Context, groups []*tripGroup, obs Observer) ([]groupResult, error) {
	results := make([]groupResult, len(groups))
	total := len(groups)

	if e.opts.Workers <= 1 {
		for i, g := range groups {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = e.process(g)
			obs.OnProgress(Progress{Stage: StageSegments, Done: i + 1, Total: total})
		}
		return results, nil
	}

	jobs := make(chan int)
	done := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = e.process(groups[i])
				done <- i
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range groups {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	completed := 0
	for range done {
		completed++
		obs.OnProgress(Progress{Stage: StageSegments, Done: completed, Total: total})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *engine) process(g *tripGroup) groupResult {
	res := groupResult{counts: groupCounts{missing: make(map[WarningKind]int)}}
	n := len(g.rows)
	segs := make([]gtfs.Segment, n)
	stopOK := make([]bool, n)
	affected := make([]bool, n)
	times := AlignTimes(g.rows)

	warn := func(kind WarningKind, r gtfs.StopTime, detail string) {
		res.warnings = append(res.warnings, Warning{
			Kind:         kind,
			RouteID:      g.trip.RouteID,
			TripID:       g.trip.TripID,
			StopID:       r.StopID,
			StopSequence: r.StopSequence,
			Detail:       detail,
		})
	}

	// badStop holds the defect of each row whose stop cannot be placed.
	badStop := make([]WarningKind, n)
	for i, r := range g.rows {
		stop, ok := e.stops[r.StopID]
		seg := gtfs.Segment{
			RouteID:      g.trip.RouteID,
			TripID:       g.trip.TripID,
			DirectionID:  g.trip.DirectionID,
			StopID:       r.StopID,
			StopName:     stop.StopName,
			StopSequence: r.StopSequence,
		}
		if i+1 < n {
			seg.NextStopID = g.rows[i+1].StopID
		}
		switch {
		case !ok:
			badStop[i] = WarnMissingStop
			warn(WarnMissingStop, r, "stop_id not found in stops")
		case !finite(stop.StopLat) || !finite(stop.StopLon):
			badStop[i] = WarnInvalidStop
			warn(WarnInvalidStop, r, fmt.Sprintf("stop_lat %v stop_lon %v", stop.StopLat, stop.StopLon))
		default:
			stopOK[i] = true
			seg.StopLat = sql.NullFloat64{Float64: stop.StopLat, Valid: true}
			seg.StopLon = sql.NullFloat64{Float64: stop.StopLon, Valid: true}
		}
		if !stopOK[i] {
			affected[i] = true
			res.counts.missing[badStop[i]]++
		}
		if !times[i].ArrivalValid {
			res.counts.unparsable++
			warn(WarnUnparsableTime, r, fmt.Sprintf("arrival_time %q", r.ArrivalTime))
		}
		if !times[i].DepartureValid {
			res.counts.unparsable++
			// The departure feeds the previous row's travel time.
			at := r
			if i > 0 {
				at = g.rows[i-1]
			}
			warn(WarnUnparsableTime, at, fmt.Sprintf("departure_time %q of stop %q", r.DepartureTime, r.StopID))
		}
		seg.TravelTimeMinutes = times[i].Minutes
		if seg.TravelTimeMinutes.Valid && seg.TravelTimeMinutes.Float64 < 0 {
			res.counts.negative++
			warn(WarnNegativeTravelTime, r, fmt.Sprintf("%.2f minutes to next stop", seg.TravelTimeMinutes.Float64))
		}
		segs[i] = seg
	}

	// A stop that cannot be placed also nulls the distance into it.
	for i := 0; i+1 < n; i++ {
		if !stopOK[i] || stopOK[i+1] {
			continue
		}
		affected[i] = true
		res.counts.missing[badStop[i+1]]++
		warn(badStop[i+1], g.rows[i], fmt.Sprintf("next stop %q cannot be placed", g.rows[i+1].StopID))
	}

	if n > 1 {
		e.distances(g, segs, stopOK, affected, &res, warn)
	}

	for _, a := range affected {
		if a {
			res.missingRows++
		}
	}
	res.segments = segs
	return res
}

func (e *engine) distances(g *tripGroup, segs []gtfs.Segment, stopOK, affected []bool, res *groupResult, warn func(WarningKind, gtfs.StopTime, string)) {
	n := len(segs)
	var shape *Shape
	useShape := e.opts.Mode == ModeShape

	if useShape {
		s, found, err := e.store.Get(g.trip.ShapeID)
		var kind WarningKind
		var detail string
		switch {
		case err != nil:
			kind, detail = WarnInvalidShape, err.Error()
		case !found || g.trip.ShapeID == "":
			kind, detail = WarnMissingShape, fmt.Sprintf("shape_id %q not found in shapes", g.trip.ShapeID)
		default:
			shape = s
		}
		if shape == nil {
			if !e.opts.HaversineFallback {
				warn(kind, g.rows[0], detail)
				res.counts.missing[kind] += n
				for i := range affected {
					affected[i] = true
				}
				return
			}
			warn(kind, g.rows[0], detail+"; using haversine")
			useShape = false
			res.counts.fallbacks++
		}
	}

	proj := make([]int, n)
	if useShape {
		for i := range segs {
			proj[i] = -1
			if !stopOK[i] {
				continue
			}
			if idx, _, err := geo.Nearest(shape.Points, pointOf(segs[i])); err == nil {
				proj[i] = idx
			}
		}
	}

	for i := 0; i+1 < n; i++ {
		if !stopOK[i] || !stopOK[i+1] {
			continue
		}
		a, b := pointOf(segs[i]), pointOf(segs[i+1])
		if !useShape {
			segs[i].DistanceKm = sql.NullFloat64{Float64: geo.Haversine(a, b), Valid: true}
			if e.opts.IncludePath {
				segs[i].Path = []gtfs.Point{a, b}
			}
			continue
		}
		if proj[i] < 0 || proj[i+1] < 0 {
			continue
		}
		d, err := geo.PathLength(shape.Points, proj[i], proj[i+1])
		if err != nil {
			warn(WarnInvalidShape, g.rows[i], err.Error())
			continue
		}
		segs[i].DistanceKm = sql.NullFloat64{Float64: d, Valid: true}
		if e.opts.IncludePath {
			segs[i].Path = geo.SubPath(shape.Points, proj[i], proj[i+1])
		}
	}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func pointOf(s gtfs.Segment) gtfs.Point { return gtfs.Point{Lat: s.StopLat.Float64, Lon: s.StopLon.Float64} }

type naturalKey struct {
	routeID  string
	tripID   string
	stopID   string
	sequence int
}

// dedupe keeps the first row for each (route, trip, stop, stop_sequence).
func dedupe(segs []gtfs.Segment) ([]gtfs.Segment, int) {
	seen := make(map[naturalKey]struct{}, len(segs))
	out := segs[:0]
	for _, s := range segs {
		k := naturalKey{s.RouteID, s.TripID, s.StopID, s.StopSequence}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out, len(segs) - len(out)
}

// UnusedStops lists, in stops order, the stops no row of segs refers to.
func UnusedStops(stops []gtfs.Stop, segs []gtfs.Segment) []string {
	used := make(map[string]struct{}, len(segs))
	for _, s := range segs {
		used[s.StopID] = struct{}{}
	}
	var out []string
	for _, s := range stops {
		if _, ok := used[s.StopID]; ok {
			continue
		}
		used[s.StopID] = struct{}{}
		out = append(out, s.StopID)
	}
	return out
}
