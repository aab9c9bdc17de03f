package ingestion

import (
	"encoding/json"
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/fault"
)

// ParseRawCommand decodes a transport payload into a typed command. Queue
// producers must set command_id so redeliveries deduplicate; a missing
// timestamp is filled from the receive time.
func ParseRawCommand(raw RawCommand) (event.Command, error) {
	ct := event.ParseCommandType(raw.CommandType)
	if ct == event.CommandTypeUnknown {
		return nil, fmt.Errorf("unknown command type %q: %w", raw.CommandType, fault.ErrInvalidCommand)
	}

	var envelope struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(raw.Data, &envelope); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", raw.CommandType, err, fault.ErrInvalidCommand)
	}
	if envelope.CommandID == "" {
		return nil, fmt.Errorf("parse %s: missing command_id: %w", raw.CommandType, fault.ErrInvalidCommand)
	}

	cmd, err := event.Decode(ct, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, fault.ErrInvalidCommand)
	}
	if d, ok := cmd.(event.Defaultable); ok {
		d.FillDefaults(envelope.CommandID, raw.ReceivedAt)
	}
	return cmd, nil
}
