// Package hass declares the home-automation collaborator contract consumed by
// the engine. The engine never talks to a Home Assistant instance itself: it
// threads a Client through the tool invocation context so diagnostic tools can
// read entity state and, policy permitting, call services. Implementations
// live outside this module.
package hass

import (
	"context"
	"errors"
	"time"
)

type (
	// State is one entity state snapshot.
	State struct {
		// EntityID identifies the entity ("light.kitchen").
		EntityID string
		// State is the raw state value.
		State string
		// Attributes carries entity-specific attributes.
		Attributes map[string]any
		// LastChanged records the last state transition.
		LastChanged time.Time
	}

	// Client is the home-automation state/registry collaborator.
	//
	// Implementations must honor context cancellation: tool invocations are
	// cancelled cooperatively and every blocking call receives the
	// continuation's cancellation context.
	Client interface {
		// State returns the current state of one entity, or ErrEntityNotFound.
		State(ctx context.Context, entityID string) (State, error)
		// States returns a snapshot of all entity states.
		States(ctx context.Context) ([]State, error)
		// CallService invokes a service ("light.turn_on") with the given data.
		CallService(ctx context.Context, domain, service string, data map[string]any) error
		// ErrorLog fetches the backend error log for diagnosis.
		ErrorLog(ctx context.Context) (string, error)
	}
)

// ErrEntityNotFound indicates the entity does not exist in the registry.
var ErrEntityNotFound = errors.New("entity not found")
