package publisher

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"route-segments/internal/segments"
)

type NATSPublisher struct {
	nc          *nats.Conn
	conn        publishConn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type publishConn interface {
	Publish(subject string, data []byte) error
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("route-segments"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m)
	p.nc = nc
	return p, nil
}

func newPublisher(conn publishConn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = "segments"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

// Close drains pending messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type RunSummary struct {
	RunID      string          `json:"runId"`
	CreatedAt  time.Time       `json:"createdAt"`
	OutputPath string          `json:"outputPath,omitempty"`
	Report     segments.Report `json:"report"`
}

type EdgeConditionMessage struct {
	RouteID      string    `json:"routeId"`
	DirectionID  int       `json:"directionId"`
	TripID       string    `json:"tripId,omitempty"`
	FromStopID   string    `json:"fromStopId"`
	ToStopID     string    `json:"toStopId"`
	StopSequence int       `json:"stopSequence"`
	TrafficFlow  int       `json:"trafficFlow"`
	Weather      string    `json:"weather"`
	Incidents    int       `json:"incidents"`
	Timestamp    time.Time `json:"timestamp"`
}

type StopConditionMessage struct {
	StopID        string    `json:"stopId"`
	WaitingPeople int       `json:"waitingPeople"`
	Timestamp     time.Time `json:"timestamp"`
}

// PublishRun sends the summary of a segmenter run on <prefix>.runs.
func (p *NATSPublisher) PublishRun(msg RunSummary) error {
	return p.publish(p.subject("runs"), msg)
}

// PublishEdgeCondition sends on <prefix>.conditions.<route>.
func (p *NATSPublisher) PublishEdgeCondition(msg EdgeConditionMessage) error {
	return p.publish(p.subject("conditions", msg.RouteID), msg)
}

// PublishStopCondition sends on <prefix>.stops.<stop>.
func (p *NATSPublisher) PublishStopCondition(msg StopConditionMessage) error {
	return p.publish(p.subject("stops", msg.StopID), msg)
}

func (p *NATSPublisher) subject(kind string, ids ...string) string {
	parts := []string{p.prefix, kind}
	for _, id := range ids {
		parts = append(parts, subjectToken(id))
	}
	return strings.Join(parts, ".")
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
