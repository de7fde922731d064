// Package op contains the schema operations available to revision scripts.
//
// An Operations value is bound to the transaction a driver opened for one
// revision and to the SQL dialect of that driver, so revision scripts stay
// independent of the database engine.
package op

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Script is the body of one direction of a revision.
type Script func(ctx context.Context, ops *Operations) error

// Executor is the subset of *sql.Tx used by operations.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Dialect renders statements for a particular database engine.
type Dialect interface {
	Name() string
	// AlterColumnNullability returns the statements that change only the
	// nullability of a column, keeping its declared type.
	AlterColumnNullability(table, column string, existingType Type, nullable bool) []string
	// ColumnQuery returns a query taking (table, column) and yielding the
	// data type, the character maximum length (NULL for types without one)
	// and the "YES"/"NO" nullability of the column.
	ColumnQuery() string
	// NormalizeType maps an information_schema data type to a Type name.
	NormalizeType(dataType string) string
}

var (
	ErrSchemaMismatch = errors.New("schema does not match the revision's expectations")
	ErrInvalidOptions = errors.New("invalid operation options")
)

type Operations struct {
	exec    Executor
	dialect Dialect
}

func New(exec Executor, dialect Dialect) *Operations {
	return &Operations{
		exec:    exec,
		dialect: dialect,
	}
}

// Execute runs a raw statement.
func (o *Operations) Execute(ctx context.Context, statement string, args ...interface{}) error {
	if _, err := o.exec.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}

	return nil
}

type ColumnInfo struct {
	Type     string
	Length   int
	Nullable bool
}

// Column inspects a column of a table in the current schema.
func (o *Operations) Column(ctx context.Context, table, column string) (ColumnInfo, error) {
	var (
		dataType, isNullable string
		length               sql.NullInt64
	)

	err := o.exec.QueryRowContext(ctx, o.dialect.ColumnQuery(), table, column).Scan(&dataType, &length, &isNullable)
	if errors.Is(err, sql.ErrNoRows) {
		return ColumnInfo{}, fmt.Errorf("%w: column %s.%s does not exist", ErrSchemaMismatch, table, column)
	}
	if err != nil {
		return ColumnInfo{}, fmt.Errorf("failed to inspect column %s.%s: %w", table, column, err)
	}

	info := ColumnInfo{
		Type:     o.dialect.NormalizeType(dataType),
		Nullable: strings.EqualFold(isNullable, "YES"),
	}
	if length.Valid {
		info.Length = int(length.Int64)
	}

	return info, nil
}

type AlterColumnOptions struct {
	ExistingType Type
	Nullable     bool
}

// AlterColumn changes the nullability of a column declared as
// opts.ExistingType. The declared type is left as is.
func (o *Operations) AlterColumn(ctx context.Context, table, column string, opts AlterColumnOptions) error {
	if opts.ExistingType.Name == "" {
		return fmt.Errorf("%w: existing type of %s.%s is required", ErrInvalidOptions, table, column)
	}

	info, err := o.Column(ctx, table, column)
	if err != nil {
		return err
	}

	if info.Type != opts.ExistingType.Name {
		return fmt.Errorf(
			"%w: column %s.%s has type \"%s\" (expected \"%s\")",
			ErrSchemaMismatch,
			table,
			column,
			info.Type,
			opts.ExistingType.Name,
		)
	}

	// text reports a maximum length on MySQL only, so lengths are compared
	// for sized types alone.
	if sized(opts.ExistingType) || sized(Type{Name: info.Type}) {
		if info.Length != opts.ExistingType.Length {
			return fmt.Errorf(
				"%w: column %s.%s has length %d (expected %d)",
				ErrSchemaMismatch,
				table,
				column,
				info.Length,
				opts.ExistingType.Length,
			)
		}
	}

	for _, stmt := range o.dialect.AlterColumnNullability(table, column, opts.ExistingType, opts.Nullable) {
		if _, err := o.exec.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to alter column %s.%s: %w", table, column, err)
		}
	}

	return nil
}
