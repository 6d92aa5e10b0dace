// Package sim perturbs the stored route graph with simulated traffic,
// weather, incident and crowding conditions.
package sim

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"route-segments/internal/db"
	mmetrics "route-segments/internal/metrics"
	"route-segments/internal/publisher"
)

const (
	maxTrafficFlow   = 100
	maxWaitingPeople = 15
	incidentOdds     = 1000
)

// Weather values and their weights out of 100.
var weathers = []struct {
	name   string
	weight int
}{
	{"Clear", 90},
	{"Rain", 5},
	{"Fog", 5},
}

type Store interface {
	Edges(ctx context.Context) ([]db.Edge, error)
	StopIDs(ctx context.Context) ([]string, error)
	UpdateEdgeConditions(ctx context.Context, conds []db.EdgeCondition, at time.Time) error
	UpdateStopConditions(ctx context.Context, conds []db.StopCondition, at time.Time) error
}

type Publisher interface {
	PublishEdgeCondition(publisher.EdgeConditionMessage) error
	PublishStopCondition(publisher.StopConditionMessage) error
}

// TickResult counts what one tick wrote.
type TickResult struct {
	Edges     int
	Stops     int
	Incidents int
	PubErrors int
}

type Manager struct {
	store    Store
	pub      Publisher
	interval time.Duration
	limiter  *rate.Limiter
	metrics  *mmetrics.Collector
	now      func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a simulator. pub and metrics may be nil. publishRate is
// in messages per second, 0 meaning unlimited. seed 0 seeds from the clock.
func NewManager(store Store, pub Publisher, interval time.Duration, publishRate float64, seed int64, metrics *mmetrics.Collector) *Manager {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	limit, burst := rate.Inf, 1
	if publishRate > 0 {
		limit = rate.Limit(publishRate)
		burst = max(1, int(publishRate))
	}
	return &Manager{
		store:    store,
		pub:      pub,
		interval: interval,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  metrics,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
	}
}

func (m *Manager) trafficFlow() int { return m.rng.IntN(maxTrafficFlow + 1) }

func (m *Manager) weather() string {
	r := m.rng.IntN(100)
	for _, w := range weathers {
		if r < w.weight {
			return w.name
		}
		r -= w.weight
	}
	return weathers[0].name
}

func (m *Manager) incidents() int {
	if m.rng.IntN(incidentOdds) == 0 {
		return 1
	}
	return 0
}

func (m *Manager) waitingPeople() int { return m.rng.IntN(maxWaitingPeople + 1) }

// Tick draws new conditions for every stored edge and stop, writes them to
// the store and publishes them. Publish failures are counted, not returned.
func (m *Manager) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	start := time.Now()

	edges, err := m.store.Edges(ctx)
	if err != nil {
		return res, fmt.Errorf("load edges: %w", err)
	}
	stops, err := m.store.StopIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("load stops: %w", err)
	}

	m.mu.Lock()
	edgeConds := make([]db.EdgeCondition, len(edges))
	for i, e := range edges {
		edgeConds[i] = db.EdgeCondition{Edge: e, TrafficFlow: m.trafficFlow(), Weather: m.weather(), Incidents: m.incidents()}
		res.Incidents += edgeConds[i].Incidents
	}
	stopConds := make([]db.StopCondition, len(stops))
	for i, id := range stops {
		stopConds[i] = db.StopCondition{StopID: id, WaitingPeople: m.waitingPeople()}
	}
	m.mu.Unlock()

	at := m.now()
	if err := m.store.UpdateEdgeConditions(ctx, edgeConds, at); err != nil {
		return res, err
	}
	res.Edges = len(edgeConds)
	if err := m.store.UpdateStopConditions(ctx, stopConds, at); err != nil {
		return res, err
	}
	res.Stops = len(stopConds)

	if m.pub != nil {
		for _, c := range edgeConds {
			if err := m.limiter.Wait(ctx); err != nil {
				return res, err
			}
			if err := m.pub.PublishEdgeCondition(publisher.EdgeConditionMessage{
				RouteID:      c.RouteID,
				DirectionID:  c.DirectionID,
				TripID:       c.TripID,
				FromStopID:   c.StopID,
				ToStopID:     c.NextStopID,
				StopSequence: c.StopSequence,
				TrafficFlow:  c.TrafficFlow,
				Weather:      c.Weather,
				Incidents:    c.Incidents,
				Timestamp:    at,
			}); err != nil {
				res.PubErrors++
			}
		}
		for _, c := range stopConds {
			if err := m.limiter.Wait(ctx); err != nil {
				return res, err
			}
			if err := m.pub.PublishStopCondition(publisher.StopConditionMessage{
				StopID:        c.StopID,
				WaitingPeople: c.WaitingPeople,
				Timestamp:     at,
			}); err != nil {
				res.PubErrors++
			}
		}
	}

	if m.metrics != nil {
		m.metrics.SimTicks.Inc()
		m.metrics.EdgesUpdated.Add(float64(res.Edges))
		m.metrics.StopsUpdated.Add(float64(res.Stops))
		m.metrics.Incidents.Add(float64(res.Incidents))
		m.metrics.SimTickDuration.Observe(time.Since(start).Seconds())
	}
	return res, nil
}

// Start runs a tick immediately and then every interval until Stop or ctx
// cancellation.
func (m *Manager) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTick(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runTick(ctx)
			}
		}
	}()
}

func (m *Manager) runTick(ctx context.Context) {
	res, err := m.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("conditions tick error: %v", err)
		}
		return
	}
	log.Printf("conditions updated: %d edges, %d stops, %d incidents, %d publish errors",
		res.Edges, res.Stops, res.Incidents, res.PubErrors)
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
