package segments

import "route-segments/internal/gtfs"

type routeDirection struct {
	routeID     string
	directionID int
}

// SelectTrips reduces stop_times to one representative trip per
// (route, direction): the first trip seen in stop_times order. Rows whose
// trip is not in trips are dropped; the caller reports them.
func SelectTrips(stopTimes []gtfs.StopTime, trips map[string]gtfs.Trip) []gtfs.StopTime {
	chosen := make(map[routeDirection]string)
	for _, st := range stopTimes {
		trip, ok := trips[st.TripID]
		if !ok {
			continue
		}
		key := routeDirection{trip.RouteID, trip.DirectionID}
		if _, seen := chosen[key]; !seen {
			chosen[key] = trip.TripID
		}
	}

	out := make([]gtfs.StopTime, 0, len(stopTimes))
	for _, st := range stopTimes {
		trip, ok := trips[st.TripID]
		if !ok {
			continue
		}
		if chosen[routeDirection{trip.RouteID, trip.DirectionID}] == st.TripID {
			out = append(out, st)
		}
	}
	return out
}
