package types

import "github.com/google/uuid"

// NewRuleID generates a UUIDv7 rule identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// NewRequestID generates a UUIDv7 request identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.Must(uuid.NewV7()).String())
}
