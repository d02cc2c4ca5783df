package bulk

import "context"

// Store persists bulk group state so counts survive a restart.
type Store interface {
	SaveGroup(ctx context.Context, g *Group) error
	// GetGroup returns tally.ErrNotFound for unknown groups.
	GetGroup(ctx context.Context, groupID string) (*Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
}
