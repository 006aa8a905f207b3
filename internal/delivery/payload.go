package delivery

import "encoding/json"

// Payload is the body and request shape of one logical delivery.
type Payload struct {
	EventType string            `json:"event_type,omitempty"`
	Method    string            `json:"method,omitempty"` // defaults to POST
	Path      string            `json:"path,omitempty"`   // appended to an API target's base URL
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// Event is the unit of a broadcast.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Payload renders the event as the webhook body {"id":..,"type":..,"data":..}.
func (e Event) Payload() (Payload, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return Payload{}, err
	}
	return Payload{EventType: e.Type, Body: body}, nil
}
