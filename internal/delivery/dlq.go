package delivery

import "time"

const DLQType = "delivery.dlq"

type DeadLetter struct {
	Type       string  `json:"type"`    // "delivery.dlq"
	Version    string  `json:"version"` // schema version
	At         string  `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string  `json:"reason"`  // human/debug text
	Attempts   int     `json:"attempts"`
	HTTPStatus int     `json:"http_status,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Target     string  `json:"target_id"`
	Record     Record  `json:"record"`  // final history row
	Payload    Payload `json:"payload"` // full request snapshot for replay
}

// NewDeadLetter builds the envelope published when a logical delivery is exhausted.
func NewDeadLetter(rec Record, p Payload) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     rec.Reason,
		Attempts:   rec.Attempts,
		HTTPStatus: rec.HTTPStatus,
		LastError:  rec.LastError,
		Target:     rec.TargetID,
		Record:     rec,
		Payload:    p,
	}
}
