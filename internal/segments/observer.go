package segments

import "log/slog"

// Stage names reported through Progress.
const (
	StageIndexShapes = "index_shapes"
	StageSegments    = "segments"
)

type WarningKind string

const (
	WarnMissingTrip        WarningKind = "missing_trip"
	WarnMissingStop        WarningKind = "missing_stop"
	WarnInvalidStop        WarningKind = "invalid_stop"
	WarnMissingShape       WarningKind = "missing_shape"
	WarnInvalidShape       WarningKind = "invalid_shape"
	WarnUnparsableTime     WarningKind = "unparsable_time"
	WarnNegativeTravelTime WarningKind = "negative_travel_time"
)

type Progress struct {
	Stage string
	Done  int
	Total int
}

// Warning describes a row-level data defect. The affected metrics are null
// (or, for negative travel times, surfaced unchanged).
type Warning struct {
	Kind         WarningKind
	RouteID      string
	TripID       string
	StopID       string
	StopSequence int
	Detail       string
}

// Observer receives progress and warnings from a run. Calls are made from
// the goroutine that called Compute.
type Observer interface {
	OnProgress(Progress)
	OnWarning(Warning)
}

type NopObserver struct{}

func (NopObserver) OnProgress(Progress) {}
func (NopObserver) OnWarning(Warning)   {}

// LogObserver writes progress and warnings to a structured logger.
// Progress is logged every Every completed units and at the end of a stage.
type LogObserver struct {
	Logger *slog.Logger
	Every  int
}

func (o LogObserver) OnProgress(p Progress) {
	every := o.Every
	if every <= 0 {
		every = 100
	}
	if p.Done != p.Total && p.Done%every != 0 {
		return
	}
	o.Logger.Info("progress",
		slog.String("stage", p.Stage),
		slog.Int("done", p.Done),
		slog.Int("total", p.Total))
}

func (o LogObserver) OnWarning(w Warning) {
	o.Logger.Warn("row defect",
		slog.String("kind", string(w.Kind)),
		slog.String("route_id", w.RouteID),
		slog.String("trip_id", w.TripID),
		slog.String("stop_id", w.StopID),
		slog.Int("stop_sequence", w.StopSequence),
		slog.String("detail", w.Detail))
}

type multiObserver []Observer

// MultiObserver fans every call out to each observer in order.
func MultiObserver(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) OnProgress(p Progress) {
	for _, o := range m {
		o.OnProgress(p)
	}
}

func (m multiObserver) OnWarning(w Warning) {
	for _, o := range m {
		o.OnWarning(w)
	}
}
