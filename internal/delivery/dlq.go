package delivery

import "time"

const DeadLetterType = "report.dead"

// DeadLetter records a report that left the pipeline without being delivered.
type DeadLetter struct {
	Type       string  `json:"type"`    // "report.dead"
	Version    string  `json:"version"` // schema version
	At         string  `json:"at"`      // RFC3339 time the report was dropped
	Reason     string  `json:"reason"`  // rejected, failed, retries_exhausted, max_age
	ReportID   string  `json:"report_id"`
	Attempt    int     `json:"attempt"`
	HTTPStatus int     `json:"http_status,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Request    Request `json:"request"`
}

func NewDeadLetter(reportID string, req Request, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		ReportID:   reportID,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Request:    req,
	}
}
