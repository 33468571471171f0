package core

import "errors"

var (
	// ErrShutdown is returned by any operation invoked after Shutdown.
	ErrShutdown = errors.New("component is shut down")
	// ErrNoAgents is returned when routing with an empty registry.
	ErrNoAgents = errors.New("no agents registered")
	// ErrNoHealthyAgent is returned when no registered agent can take a request.
	ErrNoHealthyAgent = errors.New("no healthy agent available")
	// ErrAgentNotFound is returned for lookups of unknown agent IDs.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateAgent is returned when registering an ID twice.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrExhausted is returned when the selected agent and every fallback failed.
	ErrExhausted = errors.New("dispatch exhausted")
	// ErrResourcesNotInitialized is returned when shared resources are read before construction.
	ErrResourcesNotInitialized = errors.New("shared resources not initialized")
)
