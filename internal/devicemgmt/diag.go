package devicemgmt

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/envelope"
	"github.com/nerrad567/gray-logic-agent/internal/journal"
)

// LogSeverity grades a diagnostic log entry.
type LogSeverity int

// Log severities.
const (
	SeverityInfo LogSeverity = iota
	SeverityWarning
	SeverityError
)

// LogEntry is a diagnostic log line sent to the platform.
type LogEntry struct {
	Message   string
	Severity  LogSeverity
	Timestamp time.Time // zero means now
	Data      string    // optional, sent base64-encoded
}

// UpdateLocation reports the device position. On rc 200 the local location
// resource is updated and its listeners notified. The returned rc is 0 when
// no response arrived.
func (md *ManagedDevice) UpdateLocation(ctx context.Context, loc Location) (int, error) {
	if loc.MeasuredDateTime == "" {
		loc.MeasuredDateTime = formatTime(time.Now())
	}
	if err := validateLocation(loc); err != nil {
		return 0, err
	}

	rc, err := md.request(ctx, md.topics.UpdateLocation(), loc)
	if err != nil {
		return 0, err
	}
	if rc == envelope.RCSuccess {
		if err := md.data.Location.Update(loc, true); err != nil {
			return rc, err
		}
	}
	return rc, nil
}

// AddErrorCode appends an error code to the device diagnostics.
func (md *ManagedDevice) AddErrorCode(ctx context.Context, code int) (int, error) {
	return md.request(ctx, md.topics.AddErrorCode(), map[string]int{"errorCode": code})
}

// ClearErrorCodes clears the device's error codes.
func (md *ManagedDevice) ClearErrorCodes(ctx context.Context) (int, error) {
	return md.request(ctx, md.topics.ClearErrorCodes(), nil)
}

// AddLog appends an entry to the device's diagnostic log.
func (md *ManagedDevice) AddLog(ctx context.Context, entry LogEntry) (int, error) {
	if entry.Severity < SeverityInfo || entry.Severity > SeverityError {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSeverity, entry.Severity)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d := map[string]any{
		"message":   entry.Message,
		"severity":  int(entry.Severity),
		"timestamp": formatTime(ts),
	}
	if entry.Data != "" {
		d["data"] = base64.StdEncoding.EncodeToString([]byte(entry.Data))
	}
	return md.request(ctx, md.topics.AddLog(), d)
}

// ClearLogs clears the device's diagnostic log.
func (md *ManagedDevice) ClearLogs(ctx context.Context) (int, error) {
	return md.request(ctx, md.topics.ClearLogs(), nil)
}

// request sends {"d": data} and returns the response code.
func (md *ManagedDevice) request(ctx context.Context, topic string, data any) (int, error) {
	body, err := envelope.NewRequestBody(data)
	if err != nil {
		return 0, err
	}

	resp, err := md.correlator.SendAndWait(ctx, topic, body, md.opts.RequestTimeout)
	md.recordRequest(journal.ActionRequest, topic, resp, err)
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		md.logger.Warn("device request rejected", "topic", topic, "rc", resp.RC, "message", resp.Message)
	}
	return resp.RC, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
