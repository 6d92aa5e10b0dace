package segments

import (
	"database/sql"
	"sort"

	"route-segments/internal/gtfs"
)

type sequenceKey struct {
	routeID     string
	directionID int
	sequence    int
}

type meanAcc struct {
	seg           gtfs.Segment
	timeSum, dSum float64
	timeN, dN     int
}

// MeanBySequence collapses rows of many trips into one row per
// (route, direction, stop_sequence) holding the mean of the non-null
// metrics. Stop and next-stop identity come from the first row seen for
// the key. The highest stop_sequence of each route and direction carries
// null metrics.
func MeanBySequence(segs []gtfs.Segment) []gtfs.Segment {
	accs := make(map[sequenceKey]*meanAcc)
	var keys []sequenceKey
	last := make(map[routeDirection]int)

	for _, s := range segs {
		k := sequenceKey{s.RouteID, s.DirectionID, s.StopSequence}
		a, ok := accs[k]
		if !ok {
			a = &meanAcc{seg: s}
			a.seg.TripID = ""
			a.seg.Path = nil
			accs[k] = a
			keys = append(keys, k)
		}
		if s.TravelTimeMinutes.Valid {
			a.timeSum += s.TravelTimeMinutes.Float64
			a.timeN++
		}
		if s.DistanceKm.Valid {
			a.dSum += s.DistanceKm.Float64
			a.dN++
		}
		rd := routeDirection{s.RouteID, s.DirectionID}
		if cur, ok := last[rd]; !ok || s.StopSequence > cur {
			last[rd] = s.StopSequence
		}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.routeID != b.routeID {
			return a.routeID < b.routeID
		}
		if a.directionID != b.directionID {
			return a.directionID < b.directionID
		}
		return a.sequence < b.sequence
	})

	out := make([]gtfs.Segment, 0, len(keys))
	for _, k := range keys {
		a := accs[k]
		seg := a.seg
		seg.TravelTimeMinutes = sql.NullFloat64{}
		seg.DistanceKm = sql.NullFloat64{}
		if last[routeDirection{k.routeID, k.directionID}] == k.sequence {
			seg.NextStopID = ""
		} else {
			if a.timeN > 0 {
				seg.TravelTimeMinutes = sql.NullFloat64{Float64: a.timeSum / float64(a.timeN), Valid: true}
			}
			if a.dN > 0 {
				seg.DistanceKm = sql.NullFloat64{Float64: a.dSum / float64(a.dN), Valid: true}
			}
		}
		out = append(out, seg)
	}
	return out
}
