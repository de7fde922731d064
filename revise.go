// Package revise applies a chain of schema revisions to a database and
// records them in a migration log.
package revise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/root-talis/revise/driver"
	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/source"
)

// ---

type Revise interface {
	Validate(ctx context.Context) (*ValidationResult, error)
	Current(ctx context.Context) (string, error)
	Upgrade(ctx context.Context, target string) error
	Downgrade(ctx context.Context, target string) error
}

type ValidationResult struct {
	Migrations   []migration.State
	AppliedCount uint
	PendingCount uint
	MissingCount uint
}

var (
	ErrMissingMigrations = errors.New("database has revisions applied that are not available")
	ErrHistoryDiverged   = errors.New("applied revisions do not form a prefix of the chain")
	ErrUnknownTarget     = errors.New("target revision is unknown")
	ErrIrreversible      = errors.New("revision cannot be undone")
	ErrWrongDirection    = errors.New("target lies in the other direction")
)

// ---

type Option func(*reviseImpl)

func WithLogger(logger *zap.Logger) Option {
	return func(r *reviseImpl) {
		r.logger = logger
	}
}

type reviseImpl struct {
	source source.Source
	driver driver.Driver
	logger *zap.Logger
}

// ---

func New(source source.Source, driver driver.Driver, opts ...Option) Revise {
	r := &reviseImpl{
		source: source,
		driver: driver,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ---

func (r *reviseImpl) Validate(ctx context.Context) (*ValidationResult, error) {
	availableMigrations, err := r.source.GetAvailableMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of available migrations: %w", err)
	}

	appliedMigrations, orderOfAppearance, err := r.loadMigrationsFromDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	result := ValidationResult{
		Migrations: make([]migration.State, 0, len(availableMigrations)),
	}

	available := make(map[string]struct{}, len(availableMigrations))
	for _, availableMigration := range availableMigrations {
		available[availableMigration.Revision] = struct{}{}

		entry, ok := appliedMigrations[availableMigration.Revision]

		var status migration.Status
		if ok {
			status = entry.Status
		} else {
			status = migration.Pending
		}

		if status == migration.Pending {
			result.PendingCount++
		} else {
			result.AppliedCount++
		}

		result.Migrations = append(result.Migrations, migration.State{
			Description: availableMigration,
			Status:      status,
			AppliedAt:   entry.AppliedAt,
		})
	}

	// revisions known only from the log go last, in the order they were first applied
	for _, revision := range orderOfAppearance {
		applied := appliedMigrations[revision]

		if _, found := available[revision]; found || applied.Status != migration.Applied {
			continue
		}

		result.Migrations = append(result.Migrations, migration.State{
			Description: applied.Description,
			Status:      migration.Missing,
			AppliedAt:   applied.AppliedAt,
		})
		result.MissingCount++
	}

	return &result, nil
}

func (r *reviseImpl) Current(ctx context.Context) (string, error) {
	state, err := r.Validate(ctx)
	if err != nil {
		return "", err
	}

	// with nothing applied the schema is at the predecessor of the root
	current := migration.Base
	if len(state.Migrations) > 0 && state.Migrations[0].DownRevision != "" {
		current = state.Migrations[0].DownRevision
	}

	for _, mig := range state.Migrations {
		if mig.Status == migration.Applied {
			current = mig.Revision
		}
	}

	return current, nil
}

func (r *reviseImpl) Upgrade(ctx context.Context, target string) error {
	unlock, err := r.driver.Lock(ctx)
	if err != nil {
		return err
	}
	defer r.unlock(unlock)

	state, err := r.Validate(ctx)
	if err != nil {
		return err
	}

	chain, err := checkHistory(state)
	if err != nil {
		return err
	}

	last, err := targetIndex(chain, target, len(chain)-1)
	if err != nil {
		return err
	}
	if current := currentIndex(chain); last < current {
		return fmt.Errorf("%w: cannot upgrade to %s from %s", ErrWrongDirection, target, chain[current].Migration)
	}

	for _, mig := range chain[:last+1] {
		if mig.Status == migration.Applied {
			continue
		}

		if err := r.apply(ctx, mig.Description, migration.Up); err != nil {
			return err
		}
	}

	return nil
}

func (r *reviseImpl) Downgrade(ctx context.Context, target string) error {
	unlock, err := r.driver.Lock(ctx)
	if err != nil {
		return err
	}
	defer r.unlock(unlock)

	state, err := r.Validate(ctx)
	if err != nil {
		return err
	}

	chain, err := checkHistory(state)
	if err != nil {
		return err
	}

	keep, err := targetIndex(chain, target, -1)
	if err != nil {
		return err
	}
	if current := currentIndex(chain); keep > current {
		return fmt.Errorf("%w: cannot downgrade to %s, it is not applied", ErrWrongDirection, target)
	}

	toRevert := make([]migration.State, 0, len(chain))
	for i := len(chain) - 1; i > keep; i-- {
		if chain[i].Status != migration.Applied {
			continue
		}
		if !chain[i].CanUndo {
			return fmt.Errorf("%w: %s", ErrIrreversible, chain[i].Migration)
		}
		toRevert = append(toRevert, chain[i])
	}

	for _, mig := range toRevert {
		if err := r.apply(ctx, mig.Description, migration.Down); err != nil {
			return err
		}
	}

	return nil
}

func (r *reviseImpl) apply(ctx context.Context, mig migration.Description, dir migration.Direction) error {
	logger := r.logger.With(
		zap.String("revision", mig.Revision),
		zap.String("down_revision", mig.DownRevision),
		zap.String("name", mig.Name),
		zap.Stringer("direction", dir),
	)

	script, err := r.source.ReadMigration(mig.Migration, dir)
	if err != nil {
		return fmt.Errorf("failed to read revision %s: %w", mig.Migration, err)
	}

	logger.Info("applying revision")
	started := time.Now()

	if err := r.driver.Migrate(ctx, mig.Migration, dir, script); err != nil {
		logger.Error("revision failed", zap.Error(err))
		return err
	}

	logger.Info("revision applied", zap.Duration("duration", time.Since(started)))

	return nil
}

func (r *reviseImpl) unlock(unlock driver.Unlock) {
	if err := unlock(); err != nil {
		r.logger.Warn("failed to release migrations lock", zap.Error(err))
	}
}

// checkHistory returns the chain part of the validation result after making
// sure the log agrees with it: nothing missing and applied revisions first.
func checkHistory(state *ValidationResult) ([]migration.State, error) {
	if state.MissingCount > 0 {
		missing := make([]string, 0, state.MissingCount)
		for _, mig := range state.Migrations {
			if mig.Status == migration.Missing {
				missing = append(missing, mig.Migration.String())
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrMissingMigrations, missing)
	}

	chain := state.Migrations

	seenPending := false
	for _, mig := range chain {
		switch {
		case mig.Status == migration.Pending:
			seenPending = true
		case seenPending:
			return nil, fmt.Errorf("%w: %s is applied after a pending revision", ErrHistoryDiverged, mig.Migration)
		}
	}

	return chain, nil
}

// currentIndex returns the position of the last applied revision of a chain
// accepted by checkHistory, or -1.
func currentIndex(chain []migration.State) int {
	current := -1
	for i, mig := range chain {
		if mig.Status == migration.Applied {
			current = i
		}
	}
	return current
}

// targetIndex finds target in the chain. Head resolves to the last revision
// and Base to -1; an empty target resolves to def.
func targetIndex(chain []migration.State, target string, def int) (int, error) {
	switch target {
	case "":
		return def, nil
	case migration.Head:
		return len(chain) - 1, nil
	case migration.Base:
		return -1, nil
	}

	for i, mig := range chain {
		if mig.Revision == target || mig.Name == target {
			return i, nil
		}
		for _, label := range mig.BranchLabels {
			if label == target {
				return i, nil
			}
		}
	}

	if len(chain) > 0 && chain[0].DownRevision == target {
		return -1, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
}

// loadMigrationsFromDB folds the migration log into the latest state of every
// revision. The second result lists revisions in order of first appearance.
func (r *reviseImpl) loadMigrationsFromDB(ctx context.Context) (map[string]migration.State, []string, error) {
	migrations, err := r.driver.ListMigrationsLog(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load migrations from db: %w", err)
	}

	result := make(map[string]migration.State, len(migrations))
	order := make([]string, 0, len(migrations))
	for _, mig := range migrations {
		var status migration.Status
		var appliedAt time.Time

		switch mig.Direction {
		case migration.Up:
			status = migration.Applied
			appliedAt = mig.AppliedAt
		case migration.Down:
			status = migration.Pending
		}

		if _, seen := result[mig.Revision]; !seen {
			order = append(order, mig.Revision)
		}

		result[mig.Revision] = migration.State{
			Description: migration.Description{
				Migration: mig.Migration,
				CanUndo:   false,
			},
			Status:    status,
			AppliedAt: appliedAt,
		}
	}

	return result, order, nil
}
