package postgres

import (
	"fmt"
	"strings"

	"github.com/root-talis/revise/op"
)

// Dialect renders schema operations for PostgreSQL.
type Dialect struct{}

func (Dialect) Name() string {
	return "postgres"
}

func (Dialect) AlterColumnNullability(table, column string, _ op.Type, nullable bool) []string {
	action := "SET NOT NULL"
	if nullable {
		action = "DROP NOT NULL"
	}

	return []string{fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN %s %s",
		quoteIdent(table),
		quoteIdent(column),
		action,
	)}
}

func (Dialect) ColumnQuery() string {
	return "SELECT data_type, character_maximum_length, is_nullable FROM information_schema.columns " +
		"WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2"
}

func (Dialect) NormalizeType(dataType string) string {
	switch dataType = strings.ToLower(dataType); dataType {
	case "character varying":
		return op.Varchar(0).Name
	default:
		return dataType
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
