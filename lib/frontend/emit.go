package frontend

import (
	"encoding/json"
	"errors"
)

var ErrNoEventName = errors.New("event_name is required")

// EmitEvent reads an emit_event request: event_name names the page event
// and event_data, when present, becomes its payload. Missing data is sent
// as an empty object.
func EmitEvent(data map[string]any) (Event, error) {
	name, _ := data["event_name"].(string)
	if name == "" {
		return Event{}, ErrNoEventName
	}
	payload := "{}"
	if v, ok := data["event_data"]; ok && v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Event{}, err
		}
		payload = string(b)
	}
	return Event{Name: name, JSON: payload}, nil
}
