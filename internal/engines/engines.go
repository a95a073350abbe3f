// Package engines holds the subordinate engines the core switches between.
package engines

import (
	"context"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/models"
)

// Publisher appends events to the event log.
type Publisher interface {
	Publish(topic string, payload map[string]interface{}) (*models.Event, error)
}

// ActionRunner runs registered actions behind the gate.
type ActionRunner interface {
	Run(ctx context.Context, id string, req actions.Request) (actions.Outcome, error)
}

// Catalog reports which actions are registered.
type Catalog interface {
	Has(id string) bool
}
