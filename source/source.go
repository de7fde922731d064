package source

import (
	"errors"

	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
)

type Source interface {
	// GetAvailableMigrations returns revisions in the order they apply.
	GetAvailableMigrations() ([]migration.Description, error)
	ReadMigration(migration migration.Migration, direction migration.Direction) (op.Script, error)
}

var (
	ErrMigrationDuplicated = errors.New("revision already exists")
	ErrUnknownRevision     = errors.New("revision is unknown")
	ErrIrreversible        = errors.New("revision cannot be undone")

	ErrMultipleRoots     = errors.New("revision chain must have exactly one root")
	ErrMultipleHeads     = errors.New("revision chain branches")
	ErrBrokenChain       = errors.New("revisions are not reachable from the root")
	ErrUnknownDependency = errors.New("revision depends on a revision that is not applied before it")
)
