// Package registry is a Source of revisions written in Go.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
	"github.com/root-talis/revise/source"
)

// Revision is a revision written in Go. Downgrade may be nil for
// revisions that cannot be undone.
type Revision struct {
	ID           string
	DownRevision string
	Name         string
	BranchLabels []string
	DependsOn    []string
	CreatedAt    time.Time

	Upgrade   op.Script
	Downgrade op.Script
}

func (r Revision) migration() migration.Migration {
	return migration.Migration{
		Revision:     r.ID,
		DownRevision: r.DownRevision,
		Name:         r.Name,
	}
}

type Registry struct {
	mu        sync.RWMutex
	revisions map[string]Revision
}

func New() *Registry {
	return &Registry{
		revisions: make(map[string]Revision),
	}
}

func (r *Registry) Register(rev Revision) error {
	if rev.ID == "" || rev.Upgrade == nil {
		return fmt.Errorf("revision \"%s\" must have an id and an upgrade script", rev.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.revisions[rev.ID]; ok {
		return fmt.Errorf(
			"%w: %s is registered as \"%s\" (new name \"%s\" is encountered)",
			source.ErrMigrationDuplicated,
			rev.ID,
			existing.Name,
			rev.Name,
		)
	}

	r.revisions[rev.ID] = rev

	return nil
}

// MustRegister is Register for init functions.
func (r *Registry) MustRegister(rev Revision) {
	if err := r.Register(rev); err != nil {
		panic(err)
	}
}

func (r *Registry) GetAvailableMigrations() ([]migration.Description, error) {
	r.mu.RLock()
	descriptions := make([]migration.Description, 0, len(r.revisions))
	for _, rev := range r.revisions {
		descriptions = append(descriptions, migration.Description{
			Migration:    rev.migration(),
			BranchLabels: rev.BranchLabels,
			DependsOn:    rev.DependsOn,
			CanUndo:      rev.Downgrade != nil,
		})
	}
	r.mu.RUnlock()

	chain, err := source.Resolve(descriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision chain: %w", err)
	}

	return chain, nil
}

func (r *Registry) ReadMigration(mig migration.Migration, direction migration.Direction) (op.Script, error) {
	r.mu.RLock()
	rev, ok := r.revisions[mig.Revision]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownRevision, mig.Revision)
	}

	switch direction {
	case migration.Up:
		return rev.Upgrade, nil
	case migration.Down:
		if rev.Downgrade == nil {
			return nil, fmt.Errorf("%w: %s", source.ErrIrreversible, mig)
		}
		return rev.Downgrade, nil
	default:
		return nil, fmt.Errorf("direction %q is unknown", rune(direction))
	}
}
