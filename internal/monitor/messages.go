package monitor

import "livesession-backend/internal/reconciler"

// ViewMsg carries a fresh view from the reconciler.
type ViewMsg struct {
	View reconciler.View
}

// CommandResultMsg reports the outcome of a command sent to the server.
type CommandResultMsg struct {
	Action string
	Err    error
}

// ClearTransientErrorMsg clears an error shown after a failed command.
type ClearTransientErrorMsg struct{}
