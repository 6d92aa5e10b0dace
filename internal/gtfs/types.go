package gtfs

import "database/sql"

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

type Stop struct {
	StopID   string
	StopName string
	StopLat  float64
	StopLon  float64
}

func (s Stop) Point() Point { return Point{Lat: s.StopLat, Lon: s.StopLon} }

type Trip struct {
	TripID      string
	RouteID     string
	ShapeID     string
	DirectionID int
}

type StopTime struct {
	TripID        string
	StopID        string
	StopSequence  int
	ArrivalTime   string // HH:MM:SS, hours may exceed 24
	DepartureTime string
}

type ShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence int
}

// Segment is the hop from one stop to the next stop of the same trip.
// Metrics are null on the last stop of a trip and whenever an input
// defect prevents computing them.
type Segment struct {
	RouteID      string
	TripID       string
	DirectionID  int
	StopID       string
	NextStopID   string
	StopName     string
	StopSequence int

	// Coordinates are null when the stop is missing from stops.
	StopLat sql.NullFloat64
	StopLon sql.NullFloat64

	TravelTimeMinutes sql.NullFloat64
	DistanceKm        sql.NullFloat64

	// Path holds the shape points the distance was measured over, in travel order.
	Path []Point
}

// Tables is one snapshot of the four input tables.
type Tables struct {
	Stops       []Stop
	Trips       []Trip
	StopTimes   []StopTime
	ShapePoints []ShapePoint
}
