package driver

import (
	"context"
	"errors"

	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
)

type Driver interface {
	ListMigrationsLog(ctx context.Context) ([]migration.Log, error)
	Migrate(ctx context.Context, mig migration.Migration, dir migration.Direction, script op.Script) error
	Lock(ctx context.Context) (Unlock, error)
}

// Unlock releases a lock obtained with Driver.Lock.
type Unlock func() error

var (
	ErrInvalidLogTable     = errors.New("an error has occurred when reading log table")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrLockNotAcquired     = errors.New("failed to acquire migrations lock")
)
