package segments

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"route-segments/internal/geo"
	"route-segments/internal/gtfs"
)

type recordingObserver struct {
	progress []Progress
	warnings []Warning
}

func (r *recordingObserver) OnProgress(p Progress) { r.progress = append(r.progress, p) }
func (r *recordingObserver) OnWarning(w Warning)   { r.warnings = append(r.warnings, w) }

func (r *recordingObserver) kinds() []WarningKind {
	var out []WarningKind
	for _, w := range r.warnings {
		out = append(out, w.Kind)
	}
	return out
}

func equatorShape(id string) []gtfs.ShapePoint {
	return []gtfs.ShapePoint{
		{ShapeID: id, Lat: 0, Lon: 0, Sequence: 1},
		{ShapeID: id, Lat: 0, Lon: 1, Sequence: 2},
		{ShapeID: id, Lat: 0, Lon: 2, Sequence: 3},
	}
}

func baseTables() gtfs.Tables {
	return gtfs.Tables{
		Stops: []gtfs.Stop{
			{StopID: "X", StopName: "Stop X", StopLat: 0, StopLon: 0},
			{StopID: "M", StopName: "Stop M", StopLat: 0.001, StopLon: 1},
			{StopID: "Y", StopName: "Stop Y", StopLat: 0, StopLon: 2},
			{StopID: "Z", StopName: "Far away", StopLat: 5, StopLon: 5},
		},
		Trips: []gtfs.Trip{
			{TripID: "T1", RouteID: "R1", ShapeID: "S1", DirectionID: 0},
		},
		StopTimes: []gtfs.StopTime{
			{TripID: "T1", StopID: "X", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
			{TripID: "T1", StopID: "Y", StopSequence: 2, ArrivalTime: "08:05:30", DepartureTime: "08:05:30"},
		},
		ShapePoints: equatorShape("S1"),
	}
}

func compute(t *testing.T, tables gtfs.Tables, opts Options) *Result {
	t.Helper()
	res, err := Compute(context.Background(), tables, opts)
	require.NoError(t, err)
	return res
}

func TestComputeShapeScenario(t *testing.T) {
	res := compute(t, baseTables(), Options{})
	require.Len(t, res.Segments, 2)

	first := res.Segments[0]
	assert.Equal(t, "R1", first.RouteID)
	assert.Equal(t, "X", first.StopID)
	assert.Equal(t, "Y", first.NextStopID)
	assert.Equal(t, "Stop X", first.StopName)
	require.True(t, first.DistanceKm.Valid)
	assert.InDelta(t, 222.39, first.DistanceKm.Float64, 0.01)
	require.True(t, first.TravelTimeMinutes.Valid)
	assert.InDelta(t, 5.5, first.TravelTimeMinutes.Float64, 1e-9)

	last := res.Segments[1]
	assert.False(t, last.DistanceKm.Valid)
	assert.False(t, last.TravelTimeMinutes.Valid)
	assert.Empty(t, last.NextStopID)
}

func TestComputeDistanceMatchesIndexer(t *testing.T) {
	res := compute(t, baseTables(), Options{})
	pts := []gtfs.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 0, Lon: 2}}
	cum, err := geo.CumDistances(pts)
	require.NoError(t, err)
	assert.InDelta(t, cum[2], res.Segments[0].DistanceKm.Float64, 1e-9)
}

func TestComputeLastStopOfEveryTripIsNull(t *testing.T) {
	tables := baseTables()
	tables.Trips = append(tables.Trips, gtfs.Trip{TripID: "T2", RouteID: "R2", ShapeID: "S1", DirectionID: 0})
	tables.StopTimes = append(tables.StopTimes,
		gtfs.StopTime{TripID: "T2", StopID: "Y", StopSequence: 3, ArrivalTime: "09:10:00", DepartureTime: "09:10:00"},
		gtfs.StopTime{TripID: "T2", StopID: "X", StopSequence: 1, ArrivalTime: "09:00:00", DepartureTime: "09:00:00"},
		gtfs.StopTime{TripID: "T2", StopID: "M", StopSequence: 2, ArrivalTime: "09:04:00", DepartureTime: "09:05:00"},
	)

	res := compute(t, tables, Options{})
	lastByTrip := make(map[string]gtfs.Segment)
	for _, s := range res.Segments {
		if prev, ok := lastByTrip[s.TripID]; !ok || s.StopSequence > prev.StopSequence {
			lastByTrip[s.TripID] = s
		}
	}
	require.Len(t, lastByTrip, 2)
	for trip, s := range lastByTrip {
		assert.False(t, s.DistanceKm.Valid, trip)
		assert.False(t, s.TravelTimeMinutes.Valid, trip)
	}

	// T2 rows come out ordered by stop_sequence.
	var seqs []int
	for _, s := range res.Segments {
		if s.TripID == "T2" {
			seqs = append(seqs, s.StopSequence)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, seqs)
}

func TestComputeNeverPairsAcrossTrips(t *testing.T) {
	tables := baseTables()
	tables.Trips = append(tables.Trips, gtfs.Trip{TripID: "T2", RouteID: "R1", ShapeID: "S1", DirectionID: 1})
	tables.StopTimes = []gtfs.StopTime{
		{TripID: "T1", StopID: "X", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		{TripID: "T2", StopID: "M", StopSequence: 1, ArrivalTime: "08:01:00", DepartureTime: "08:01:00"},
		{TripID: "T1", StopID: "Y", StopSequence: 2, ArrivalTime: "08:10:00", DepartureTime: "08:10:00"},
	}

	res := compute(t, tables, Options{})
	require.Len(t, res.Segments, 3)

	assert.Equal(t, []string{"X", "Y", "M"}, []string{res.Segments[0].StopID, res.Segments[1].StopID, res.Segments[2].StopID})
	assert.InDelta(t, 10.0, res.Segments[0].TravelTimeMinutes.Float64, 1e-9)

	b := res.Segments[1]
	assert.Equal(t, "T1", b.TripID)
	assert.False(t, b.TravelTimeMinutes.Valid)
	assert.False(t, b.DistanceKm.Valid)

	c := res.Segments[2]
	assert.Equal(t, "T2", c.TripID)
	assert.False(t, c.TravelTimeMinutes.Valid)
	assert.False(t, c.DistanceKm.Valid)
}

func TestComputeMalformedTimeYieldsNull(t *testing.T) {
	tables := baseTables()
	tables.StopTimes[0].ArrivalTime = "25:99:99"
	obs := &recordingObserver{}

	res := compute(t, tables, Options{Observer: obs})
	require.Len(t, res.Segments, 2)
	assert.False(t, res.Segments[0].TravelTimeMinutes.Valid)
	assert.True(t, res.Segments[0].DistanceKm.Valid)
	assert.Equal(t, 1, res.Report.UnparsableTimes)
	assert.Contains(t, obs.kinds(), WarnUnparsableTime)
}

func TestComputeUnparsableDepartureWarnsOnPreviousRow(t *testing.T) {
	tables := baseTables()
	tables.StopTimes[1].DepartureTime = "8h05"
	obs := &recordingObserver{}

	res := compute(t, tables, Options{Observer: obs})
	assert.False(t, res.Segments[0].TravelTimeMinutes.Valid)
	assert.Equal(t, 1, res.Report.UnparsableTimes)
	require.Len(t, obs.warnings, 1)
	assert.Equal(t, WarnUnparsableTime, obs.warnings[0].Kind)
	assert.Equal(t, "X", obs.warnings[0].StopID, "warning names the row whose travel time is null")
	assert.Equal(t, 1, obs.warnings[0].StopSequence)
}

func TestComputeOverflowingHourIsUnparsable(t *testing.T) {
	tables := baseTables()
	tables.StopTimes[1].DepartureTime = "9999999999:00:00"

	res := compute(t, tables, Options{})
	assert.False(t, res.Segments[0].TravelTimeMinutes.Valid)
	assert.Equal(t, 1, res.Report.UnparsableTimes)
	assert.Zero(t, res.Report.NegativeTravelTimes)
}

func TestComputeNegativeTravelTimeIsSurfaced(t *testing.T) {
	tables := baseTables()
	tables.StopTimes[0].ArrivalTime = "23:58:00"
	tables.StopTimes[1].DepartureTime = "00:02:00"
	obs := &recordingObserver{}

	res := compute(t, tables, Options{Observer: obs})
	require.True(t, res.Segments[0].TravelTimeMinutes.Valid)
	assert.InDelta(t, -1436.0, res.Segments[0].TravelTimeMinutes.Float64, 1e-9)
	assert.Equal(t, 1, res.Report.NegativeTravelTimes)
	assert.Contains(t, obs.kinds(), WarnNegativeTravelTime)
}

func TestComputeOvernightTimes(t *testing.T) {
	tables := baseTables()
	tables.StopTimes[0].ArrivalTime = "23:58:00"
	tables.StopTimes[1].DepartureTime = "24:02:00"

	res := compute(t, tables, Options{})
	assert.InDelta(t, 4.0, res.Segments[0].TravelTimeMinutes.Float64, 1e-9)
}

func TestComputeRepresentativeTripIsFirstEncountered(t *testing.T) {
	tables := baseTables()
	tables.Trips = []gtfs.Trip{
		{TripID: "T1", RouteID: "R1", ShapeID: "S1", DirectionID: 0},
		{TripID: "T9", RouteID: "R1", ShapeID: "S1", DirectionID: 0},
		{TripID: "T5", RouteID: "R1", ShapeID: "S1", DirectionID: 1},
		{TripID: "T7", RouteID: "R3", ShapeID: "S1", DirectionID: 0},
	}
	tables.StopTimes = []gtfs.StopTime{
		{TripID: "T9", StopID: "X", StopSequence: 1, ArrivalTime: "07:00:00", DepartureTime: "07:00:00"},
		{TripID: "T9", StopID: "Y", StopSequence: 2, ArrivalTime: "07:05:00", DepartureTime: "07:05:00"},
		{TripID: "T1", StopID: "X", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		{TripID: "T1", StopID: "Y", StopSequence: 2, ArrivalTime: "08:05:00", DepartureTime: "08:05:00"},
		{TripID: "T5", StopID: "Y", StopSequence: 1, ArrivalTime: "09:00:00", DepartureTime: "09:00:00"},
		{TripID: "T5", StopID: "X", StopSequence: 2, ArrivalTime: "09:05:00", DepartureTime: "09:05:00"},
	}

	res := compute(t, tables, Options{})
	trips := map[string]bool{}
	for _, s := range res.Segments {
		trips[s.TripID] = true
	}
	assert.Equal(t, map[string]bool{"T9": true, "T5": true}, trips)
	assert.Equal(t, 2, res.Report.TripsSelected)

	all := compute(t, tables, Options{AllTrips: true})
	assert.Len(t, all.Segments, 6)
	assert.Equal(t, 3, all.Report.TripsSelected)
}

func TestComputeMissingTripIsReportedAndDropped(t *testing.T) {
	tables := baseTables()
	tables.StopTimes = append(tables.StopTimes, gtfs.StopTime{TripID: "GHOST", StopID: "X", StopSequence: 1, ArrivalTime: "10:00:00", DepartureTime: "10:00:00"})
	obs := &recordingObserver{}

	res := compute(t, tables, Options{Observer: obs})
	assert.Len(t, res.Segments, 2)
	assert.Equal(t, 1, res.Report.MissingJoin[WarnMissingTrip])
	assert.Equal(t, 1, res.Report.MissingJoinRows)
	assert.Contains(t, obs.kinds(), WarnMissingTrip)
}

func TestComputeMissingStopNullsAdjacentDistances(t *testing.T) {
	tables := baseTables()
	tables.StopTimes = []gtfs.StopTime{
		{TripID: "T1", StopID: "X", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		{TripID: "T1", StopID: "NOPE", StopSequence: 2, ArrivalTime: "08:02:00", DepartureTime: "08:03:00"},
		{TripID: "T1", StopID: "Y", StopSequence: 3, ArrivalTime: "08:06:00", DepartureTime: "08:06:00"},
	}

	obs := &recordingObserver{}
	res := compute(t, tables, Options{Observer: obs})
	require.Len(t, res.Segments, 3)
	assert.False(t, res.Segments[0].DistanceKm.Valid)
	assert.False(t, res.Segments[1].DistanceKm.Valid)
	assert.Empty(t, res.Segments[1].StopName)
	assert.False(t, res.Segments[1].StopLat.Valid, "unknown stop has no coordinates")
	assert.False(t, res.Segments[1].StopLon.Valid)
	assert.True(t, res.Segments[0].StopLat.Valid)

	assert.InDelta(t, 3.0, res.Segments[0].TravelTimeMinutes.Float64, 1e-9)
	assert.InDelta(t, 4.0, res.Segments[1].TravelTimeMinutes.Float64, 1e-9)

	assert.Equal(t, 2, res.Report.MissingJoin[WarnMissingStop])
	assert.Equal(t, 2, res.Report.MissingJoinRows)

	// Every row with a nulled distance carries its own warning.
	warned := map[string]bool{}
	for _, w := range obs.warnings {
		if w.Kind == WarnMissingStop {
			warned[w.StopID] = true
		}
	}
	assert.Equal(t, map[string]bool{"X": true, "NOPE": true}, warned)
}

func TestComputeNonFiniteStopIsNull(t *testing.T) {
	for _, mode := range []DistanceMode{ModeShape, ModeHaversine} {
		t.Run(string(mode), func(t *testing.T) {
			tables := baseTables()
			tables.Stops[1].StopLat = math.NaN()
			tables.StopTimes = []gtfs.StopTime{
				{TripID: "T1", StopID: "X", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
				{TripID: "T1", StopID: "M", StopSequence: 2, ArrivalTime: "08:02:00", DepartureTime: "08:03:00"},
				{TripID: "T1", StopID: "Y", StopSequence: 3, ArrivalTime: "08:06:00", DepartureTime: "08:06:00"},
			}
			obs := &recordingObserver{}

			res := compute(t, tables, Options{Mode: mode, Observer: obs})
			require.Len(t, res.Segments, 3)
			assert.False(t, res.Segments[0].DistanceKm.Valid)
			assert.False(t, res.Segments[1].DistanceKm.Valid)
			assert.False(t, res.Segments[1].StopLat.Valid)
			assert.Equal(t, 2, res.Report.MissingJoin[WarnInvalidStop])
			assert.Equal(t, 2, res.Report.MissingJoinRows)
			assert.Contains(t, obs.kinds(), WarnInvalidStop)
		})
	}
}

func TestComputeInvalidShapeNullsTrip(t *testing.T) {
	tables := baseTables()
	tables.ShapePoints[1].Lat = math.Inf(1)
	obs := &recordingObserver{}

	res := compute(t, tables, Options{Observer: obs})
	assert.Zero(t, res.Report.ShapesIndexed)
	assert.Equal(t, 1, res.Report.ShapeFailures)
	assert.False(t, res.Segments[0].DistanceKm.Valid)
	assert.Equal(t, 2, res.Report.MissingJoin[WarnInvalidShape])
	assert.Equal(t, 2, res.Report.MissingJoinRows)
	assert.Contains(t, obs.kinds(), WarnInvalidShape)

	fallback := compute(t, tables, Options{HaversineFallback: true})
	require.True(t, fallback.Segments[0].DistanceKm.Valid)
	assert.Equal(t, 1, fallback.Report.ShapeFallbacks)
	assert.Zero(t, fallback.Report.MissingJoinRows)
}

func TestComputeMissingShape(t *testing.T) {
	tables := baseTables()
	tables.Trips[0].ShapeID = "S404"

	res := compute(t, tables, Options{})
	assert.False(t, res.Segments[0].DistanceKm.Valid)
	assert.True(t, res.Segments[0].TravelTimeMinutes.Valid)
	assert.Equal(t, 2, res.Report.MissingJoin[WarnMissingShape])
	assert.Equal(t, 2, res.Report.MissingJoinRows)

	fallback := compute(t, tables, Options{HaversineFallback: true})
	require.True(t, fallback.Segments[0].DistanceKm.Valid)
	assert.InDelta(t, geo.Haversine(gtfs.Point{}, gtfs.Point{Lon: 2}), fallback.Segments[0].DistanceKm.Float64, 1e-9)
	assert.Equal(t, 1, fallback.Report.ShapeFallbacks)
	assert.Zero(t, fallback.Report.MissingJoinRows)
}

func TestComputeHaversineMode(t *testing.T) {
	tables := baseTables()
	tables.ShapePoints = nil
	tables.StopTimes = []gtfs.StopTime{
		{TripID: "T1", StopID: "X", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		{TripID: "T1", StopID: "M", StopSequence: 2, ArrivalTime: "08:02:00", DepartureTime: "08:03:00"},
	}

	res := compute(t, tables, Options{Mode: ModeHaversine, IncludePath: true})
	want := geo.Haversine(gtfs.Point{}, gtfs.Point{Lat: 0.001, Lon: 1})
	assert.InDelta(t, want, res.Segments[0].DistanceKm.Float64, 1e-9)
	assert.Len(t, res.Segments[0].Path, 2)
	assert.Zero(t, res.Report.ShapesIndexed)
}

func TestComputeProjectedPathFollowsShape(t *testing.T) {
	tables := baseTables()
	tables.StopTimes = []gtfs.StopTime{
		{TripID: "T1", StopID: "Y", StopSequence: 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"},
		{TripID: "T1", StopID: "X", StopSequence: 2, ArrivalTime: "08:05:00", DepartureTime: "08:05:00"},
	}

	res := compute(t, tables, Options{IncludePath: true})
	assert.InDelta(t, 222.39, res.Segments[0].DistanceKm.Float64, 0.01)
	assert.Equal(t, []gtfs.Point{{Lat: 0, Lon: 2}, {Lat: 0, Lon: 1}, {Lat: 0, Lon: 0}}, res.Segments[0].Path)
}

func TestComputeCoLocatedStopsHaveZeroDistance(t *testing.T) {
	tables := baseTables()
	tables.Stops = append(tables.Stops, gtfs.Stop{StopID: "X2", StopName: "Stop X opposite", StopLat: 0.0001, StopLon: 0.0001})
	tables.StopTimes[1].StopID = "X2"

	res := compute(t, tables, Options{})
	require.True(t, res.Segments[0].DistanceKm.Valid)
	assert.Equal(t, 0.0, res.Segments[0].DistanceKm.Float64)
}

func TestComputeDropsDuplicateRows(t *testing.T) {
	tables := baseTables()
	tables.StopTimes = append(tables.StopTimes, tables.StopTimes[1])

	res := compute(t, tables, Options{})
	require.Len(t, res.Segments, 2)
	assert.Equal(t, 1, res.Report.DuplicatesDropped)
	assert.InDelta(t, 222.39, res.Segments[0].DistanceKm.Float64, 0.01)
	assert.False(t, res.Segments[1].DistanceKm.Valid)
	assert.False(t, res.Segments[1].TravelTimeMinutes.Valid)
}

func TestComputeReportsUnusedStops(t *testing.T) {
	res := compute(t, baseTables(), Options{})
	assert.Equal(t, []string{"M", "Z"}, res.Report.UnusedStops)
}

func TestComputeEmptyTables(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*gtfs.Tables)
		mode   DistanceMode
	}{
		{name: "stop_times", mutate: func(t *gtfs.Tables) { t.StopTimes = nil }},
		{name: "trips", mutate: func(t *gtfs.Tables) { t.Trips = nil }},
		{name: "stops", mutate: func(t *gtfs.Tables) { t.Stops = nil }},
		{name: "shapes", mutate: func(t *gtfs.Tables) { t.ShapePoints = nil }, mode: ModeShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := baseTables()
			tt.mutate(&tables)
			_, err := Compute(context.Background(), tables, Options{Mode: tt.mode})
			assert.ErrorIs(t, err, ErrEmptyTable)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestComputeShapesNotRequiredForHaversine(t *testing.T) {
	tables := baseTables()
	tables.ShapePoints = nil
	_, err := Compute(context.Background(), tables, Options{Mode: ModeHaversine})
	assert.NoError(t, err)
}

func TestComputeUnknownMode(t *testing.T) {
	_, err := Compute(context.Background(), baseTables(), Options{Mode: "straight"})
	assert.Error(t, err)
}

func TestComputeIsDeterministic(t *testing.T) {
	tables := baseTables()
	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		tables.Trips = append(tables.Trips, gtfs.Trip{TripID: "T" + id, RouteID: "R" + id, ShapeID: "S1"})
		tables.StopTimes = append(tables.StopTimes,
			gtfs.StopTime{TripID: "T" + id, StopID: "X", StopSequence: 1, ArrivalTime: "06:00:00", DepartureTime: "06:00:00"},
			gtfs.StopTime{TripID: "T" + id, StopID: "M", StopSequence: 2, ArrivalTime: "06:03:00", DepartureTime: "06:04:00"},
			gtfs.StopTime{TripID: "T" + id, StopID: "Y", StopSequence: 3, ArrivalTime: "06:09:00", DepartureTime: "06:09:00"},
		)
	}

	first := compute(t, tables, Options{})
	second := compute(t, tables, Options{})
	parallel := compute(t, tables, Options{Workers: 4})

	assert.Equal(t, first.Segments, second.Segments)
	assert.Equal(t, first.Segments, parallel.Segments)
	assert.Equal(t, first.Report, parallel.Report)

	var routes []string
	for _, s := range first.Segments {
		if len(routes) == 0 || routes[len(routes)-1] != s.RouteID {
			routes = append(routes, s.RouteID)
		}
	}
	assert.Equal(t, []string{"R1", "RA", "RB", "RC", "RD", "RE", "RF"}, routes)
}

func TestComputeReportsProgress(t *testing.T) {
	obs := &recordingObserver{}
	compute(t, baseTables(), Options{Observer: obs})
	require.NotEmpty(t, obs.progress)
	last := obs.progress[len(obs.progress)-1]
	assert.Equal(t, StageSegments, last.Stage)
	assert.Equal(t, last.Total, last.Done)
}

func TestComputeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, baseTables(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
