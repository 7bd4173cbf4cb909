package domain

import "time"

// SyncConflict records one field where local and remote values both diverged
// from a shared base. Retained after resolution as an audit record.
type SyncConflict struct {
	ID            string
	EntityID      string
	RemoteID      string
	FieldPath     string
	BaseValue     any
	LocalValue    any
	RemoteValue   any
	StrategyUsed  string
	Reason        string
	Resolved      bool
	ResolvedValue any
	ResolvedAt    time.Time
	CreatedAt     time.Time
}
