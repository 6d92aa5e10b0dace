package segments

// Report summarises one run. Row-level defects never fail a run; they are
// counted here.
type Report struct {
	StopTimesIn       int `json:"stopTimesIn"`
	TripsSelected     int `json:"tripsSelected"`
	SegmentsOut       int `json:"segmentsOut"`
	ShapesIndexed     int `json:"shapesIndexed"`
	ShapeFailures     int `json:"shapeFailures"`
	DuplicatesDropped int `json:"duplicatesDropped"`

	// MissingJoinRows counts stop_time rows whose distance was nulled by an
	// unresolved or unusable trip, stop or shape reference; a row next to a
	// bad stop counts too. MissingJoin breaks that down by kind.
	MissingJoinRows int                 `json:"missingJoinRows"`
	MissingJoin     map[WarningKind]int `json:"missingJoin"`

	UnparsableTimes     int `json:"unparsableTimes"`
	NegativeTravelTimes int `json:"negativeTravelTimes"`
	ShapeFallbacks      int `json:"shapeFallbacks"`

	// UnusedStops lists stops never referenced by an output row, in stops order.
	UnusedStops []string `json:"unusedStops"`
}

func newReport() Report {
	return Report{MissingJoin: make(map[WarningKind]int)}
}

func (r *Report) merge(o groupCounts) {
	r.UnparsableTimes += o.unparsable
	r.NegativeTravelTimes += o.negative
	r.ShapeFallbacks += o.fallbacks
	for k, v := range o.missing {
		r.MissingJoin[k] += v
	}
}
