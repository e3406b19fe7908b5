// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID       = "session_id"
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldTokenID         = "token_id"
	FieldClientName      = "client_name"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Audio / transcription fields
	FieldSampleRate  = "sample_rate"
	FieldEngineMode  = "engine_mode"
	FieldQueueDepth  = "queue_depth"
	FieldPriority    = "priority"
	FieldWordCount   = "word_count"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath = "path"

	// Network fields
	FieldRemoteAddr = "remote_addr"
)
