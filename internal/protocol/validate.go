package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeProcessStart: true,
	TypeProcessInput: true,
	TypeProcessStop:  true,
	TypeConfigGet:    true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Validate required payload fields per type. Stop and config requests
	// carry no payload fields.
	switch msg.Type {
	case TypeProcessStart:
		var p ProcessStartPayload
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Target == "" {
			return nil, fmt.Errorf("missing required field 'target' in %s payload", msg.Type)
		}

	case TypeProcessInput:
		var p ProcessInputPayload
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
	}

	return &msg, nil
}
