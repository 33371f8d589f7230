// Package store persists the coordination state that must survive a daemon
// restart: rules, policy sets, the file change history, and the conflict
// ledger. Implementations: *sqlite.Store (SQLite) and *postgres.Store
// (PostgreSQL).
package store

import (
	"context"

	"github.com/qmlh/crewd/pkg/models"
)

type Store interface {
	// Rules and policy sets
	SaveRules(ctx context.Context, rules []models.Rule) error
	LoadRules(ctx context.Context) ([]models.Rule, error)
	SavePolicySets(ctx context.Context, sets []models.PolicySet) error
	LoadPolicySets(ctx context.Context) ([]models.PolicySet, error)

	// File change history
	AppendChanges(ctx context.Context, changes []models.FileChange) error
	LoadChanges(ctx context.Context, path string, limit int) ([]models.FileChange, error)

	// Conflict ledger
	SaveConflicts(ctx context.Context, conflicts []models.Conflict) error
	LoadConflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error)

	// Lifecycle
	Close() error
}
