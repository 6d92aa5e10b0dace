package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"route-segments/internal/segments"
)

func TestObserveRun(t *testing.T) {
	c := NewCollector(time.Minute)
	c.ObserveRun(segments.Report{StopTimesIn: 120, TripsSelected: 4, SegmentsOut: 40, ShapesIndexed: 3}, 250*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.StopTimesIn))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.TripsSelected))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.SegmentsOut))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ShapesIndexed))
	assert.Equal(t, 60.0, testutil.ToFloat64(c.SimInterval))
}

func TestObserver(t *testing.T) {
	c := NewCollector(time.Minute)
	obs := c.Observer()

	obs.OnWarning(segments.Warning{Kind: segments.WarnMissingStop})
	obs.OnWarning(segments.Warning{Kind: segments.WarnMissingStop})
	obs.OnWarning(segments.Warning{Kind: segments.WarnUnparsableTime})
	obs.OnProgress(segments.Progress{Stage: segments.StageSegments, Done: 1, Total: 4})
	obs.OnProgress(segments.Progress{Stage: segments.StageIndexShapes, Done: 0, Total: 0})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Warnings.WithLabelValues(string(segments.WarnMissingStop))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Warnings.WithLabelValues(string(segments.WarnUnparsableTime))))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.Progress.WithLabelValues(segments.StageSegments)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.Progress), "zero-total progress is ignored")
}

func TestPublisherHooks(t *testing.T) {
	c := NewCollector(time.Minute)
	c.NATSSetConnected(true)
	c.NATSPublishedInc()
	c.NATSPublishErrInc()
	c.PublishObserve(time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSPublishErrs))

	c.NATSSetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.NATSConnected))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector(30 * time.Second)
	c.SimTicks.Inc()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "conditions_ticks_total 1"))
	assert.True(t, strings.Contains(text, "conditions_interval_seconds 30"))
}
