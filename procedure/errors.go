package procedure

import "errors"

var (
	// ErrMissingTask means a session references a task that does not exist.
	ErrMissingTask = errors.New("procedure: task not found")
	// ErrMissingAction means an assigned task agent has no action metadata.
	ErrMissingAction = errors.New("procedure: agent action metadata missing")
	// ErrUnknownAction means a node names an action function that is not
	// registered.
	ErrUnknownAction = errors.New("procedure: unknown action function")
	// ErrUnknownContinuation means a continuation name has no handler.
	ErrUnknownContinuation = errors.New("procedure: unknown continuation")
	// ErrSessionBusy means another pass holds the session lock.
	ErrSessionBusy = errors.New("procedure: session is locked by another pass")
	// ErrNodeNotWaiting means user input arrived for a node that is not
	// waiting for it.
	ErrNodeNotWaiting = errors.New("procedure: node is not waiting for user input")
)
