package logging

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"

	FieldDevice   = "device"
	FieldConsumer = "consumer"
	FieldTier     = "tier"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
)
