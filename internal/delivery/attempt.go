package delivery

import "time"

// ErrorKind classifies why an attempt did not complete with a 2xx.
type ErrorKind string

const (
	ErrorNone          ErrorKind = ""
	ErrorTimeout       ErrorKind = "timeout"
	ErrorNetwork       ErrorKind = "network"
	ErrorHTTPStatus    ErrorKind = "http_status"
	ErrorSerialization ErrorKind = "serialization"
	ErrorConfiguration ErrorKind = "configuration"
)

// Attempt is one concrete network call. Append-only.
type Attempt struct {
	ID            string        `json:"id"`
	DeliveryID    string        `json:"delivery_id"`
	TargetID      string        `json:"target_id"`
	CorrelationID string        `json:"correlation_id"`
	Number        int           `json:"attempt"` // 0-based
	Request       []byte        `json:"request,omitempty"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	ResponseBody  string        `json:"response_body,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Duration      time.Duration `json:"duration"`
	AttemptedAt   time.Time     `json:"attempted_at"`
}

// Status is the terminal (or parked) state of a logical delivery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusAttempting Status = "attempting"
	StatusDelivered  Status = "delivered"
	StatusExhausted  Status = "exhausted"
	StatusDenied     Status = "denied"
	StatusRejected   Status = "rejected"
	StatusQueued     Status = "queued"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusExhausted, StatusDenied, StatusRejected:
		return true
	}
	return false
}

// Record is the delivery-history row written once per logical delivery.
type Record struct {
	DeliveryID string        `json:"delivery_id"`
	TargetID   string        `json:"target_id"`
	Provider   string        `json:"provider"`
	Channel    string        `json:"channel,omitempty"`
	EventType  string        `json:"event_type,omitempty"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	HTTPStatus int           `json:"http_status,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Outcome is what callers of the dispatcher get back.
type Outcome struct {
	DeliveryID  string    `json:"delivery_id"`
	TargetID    string    `json:"target_id"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	QueueID     string    `json:"queue_id,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	Err         error     `json:"-"`
}

// Delivered is shorthand for Status == StatusDelivered.
func (o Outcome) Delivered() bool { return o.Status == StatusDelivered }
