package segments

import (
	"database/sql"

	"route-segments/internal/gtfs"
)

// TravelTime is the scheduled time from a row to the next row of the same trip.
type TravelTime struct {
	Minutes sql.NullFloat64

	ArrivalValid   bool
	DepartureValid bool
}

// AlignTimes computes, for each row, next.departure - this.arrival in
// minutes. Rows must already be ordered by stop_sequence within each trip.
// The value is null on the last row of a trip, when the next row belongs to
// another trip, or when either time does not parse. Negative values are
// returned unchanged.
func AlignTimes(rows []gtfs.StopTime) []TravelTime {
	out := make([]TravelTime, len(rows))
	for i, r := range rows {
		_, out[i].ArrivalValid = gtfs.ParseTimeOfDay(r.ArrivalTime)
		_, out[i].DepartureValid = gtfs.ParseTimeOfDay(r.DepartureTime)
	}
	for i := 0; i+1 < len(rows); i++ {
		if rows[i].TripID != rows[i+1].TripID {
			continue
		}
		arr, ok := gtfs.ParseTimeOfDay(rows[i].ArrivalTime)
		if !ok {
			continue
		}
		dep, ok := gtfs.ParseTimeOfDay(rows[i+1].DepartureTime)
		if !ok {
			continue
		}
		out[i].Minutes = sql.NullFloat64{Float64: (dep - arr).Minutes(), Valid: true}
	}
	return out
}
