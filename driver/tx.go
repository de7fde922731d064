package driver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/root-talis/revise/op"
)

// Runner executes revision scripts in transactions on behalf of a driver.
type Runner struct {
	Conn    *sql.DB
	Dialect op.Dialect
	// IsNullViolation reports whether an engine error means that a NOT NULL
	// constraint was violated by existing or inserted data.
	IsNullViolation func(err error) bool
	// Session lists statements run at the start of every transaction,
	// before the script.
	Session []string
}

// Run executes script inside a transaction, then calls record in the same
// transaction and commits. Any failure rolls the transaction back.
func (r *Runner) Run(ctx context.Context, script op.Script, record func(tx *sql.Tx) error) (err error) {
	tx, err := r.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = multierror.Append(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
	}()

	for _, stmt := range r.Session {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare session: %w", err)
		}
	}

	if err = script(ctx, op.New(tx, r.Dialect)); err != nil {
		return r.classify(err)
	}

	if err = record(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", r.classify(err))
	}

	return nil
}

func (r *Runner) classify(err error) error {
	if r.IsNullViolation != nil && r.IsNullViolation(err) {
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	}
	return err
}
