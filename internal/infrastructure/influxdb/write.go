package influxdb

import (
	"errors"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-agent/internal/correlation"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

// Measurement names.
const (
	MeasurementPublish  = "agent_publish"
	MeasurementRequest  = "agent_request"
	MeasurementResource = "agent_resource"
)

// Outcome tag values.
const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeTimeout  = "timeout"
	outcomeWithdraw = "withdrawn"
	outcomeError    = "error"
)

// RecordPublish writes one outbound message outcome. It satisfies
// outbound.Recorder.
func (c *Client) RecordPublish(s outbound.Stats) {
	outcome := outcomeOK
	switch {
	case errors.Is(s.Err, outbound.ErrWithdrawn):
		outcome = outcomeWithdraw
	case s.Err != nil:
		outcome = outcomeError
	}

	c.WritePoint(MeasurementPublish,
		map[string]string{"topic": s.Topic, "outcome": outcome},
		map[string]any{
			"attempts":   s.Attempts,
			"latency_ms": durationMillis(s.Latency),
		},
	)
}

// RecordRequest writes one device request outcome. It satisfies
// correlation.Recorder.
func (c *Client) RecordRequest(s correlation.RequestStats) {
	outcome := outcomeOK
	switch {
	case s.TimedOut:
		outcome = outcomeTimeout
	case s.Err != nil:
		outcome = outcomeError
	case s.RC != 200:
		outcome = outcomeRejected
	}

	fields := map[string]any{"latency_ms": durationMillis(s.Latency)}
	if s.Err == nil {
		fields["rc"] = s.RC
	}
	c.WritePoint(MeasurementRequest,
		map[string]string{"topic": s.Topic, "outcome": outcome},
		fields,
	)
}

// RecordResourceChange writes a resource event. Pass it to
// resource.Notifier.Subscribe.
func (c *Client) RecordResourceChange(ev resource.Event) {
	ts := ev.ChangedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	c.WritePointWithTime(MeasurementResource,
		map[string]string{"resource": ev.Resource},
		map[string]any{"version": ev.Version},
		ts,
	)
}

// WritePoint writes a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
