package segments

import (
	"fmt"
	"sort"

	"route-segments/internal/geo"
	"route-segments/internal/gtfs"
)

// Shape is an indexed polyline. It is never modified after NewStore returns.
type Shape struct {
	ID     string
	Points []gtfs.Point
	Cum    []float64 // km from Points[0], aligned with Points
}

// Length returns the total polyline length in km.
func (s *Shape) Length() float64 {
	if len(s.Cum) == 0 {
		return 0
	}
	return s.Cum[len(s.Cum)-1]
}

// Store holds every shape of a feed together with its cumulative distance
// table. It is safe for concurrent readers.
type Store struct {
	shapes map[string]*Shape
	failed map[string]error
	order  []string
}

// NewStore groups shape points by shape_id and orders each group by
// shape_pt_sequence. Points sharing a sequence number keep their input order.
// A shape holding a NaN or infinite coordinate is recorded as failed.
func NewStore(points []gtfs.ShapePoint) *Store {
	grouped := make(map[string][]gtfs.ShapePoint)
	var order []string
	for _, p := range points {
		if _, ok := grouped[p.ShapeID]; !ok {
			order = append(order, p.ShapeID)
		}
		grouped[p.ShapeID] = append(grouped[p.ShapeID], p)
	}

	st := &Store{
		shapes: make(map[string]*Shape, len(grouped)),
		failed: make(map[string]error),
		order:  order,
	}
	for _, id := range order {
		sp := grouped[id]
		sort.SliceStable(sp, func(i, j int) bool { return sp[i].Sequence < sp[j].Sequence })
		pts := make([]gtfs.Point, len(sp))
		for i, p := range sp {
			pts[i] = gtfs.Point{Lat: p.Lat, Lon: p.Lon}
		}
		if err := st.add(id, pts); err != nil {
			st.failed[id] = err
		}
	}
	return st
}

func (st *Store) add(id string, pts []gtfs.Point) error {
	cum, err := geo.CumDistances(pts)
	if err != nil {
		return fmt.Errorf("shape %q: %w", id, err)
	}
	st.shapes[id] = &Shape{ID: id, Points: pts, Cum: cum}
	return nil
}

// Get returns the shape with the given id. The error is non-nil when the
// shape exists but could not be indexed.
func (st *Store) Get(id string) (*Shape, bool, error) {
	if err, ok := st.failed[id]; ok {
		return nil, true, err
	}
	s, ok := st.shapes[id]
	return s, ok, nil
}

// Len is the number of successfully indexed shapes.
func (st *Store) Len() int { return len(st.shapes) }

// Failed is the number of shapes that could not be indexed.
func (st *Store) Failed() int { return len(st.failed) }

// IDs lists shape ids in first-seen order.
func (st *Store) IDs() []string { return append([]string(nil), st.order...) }
