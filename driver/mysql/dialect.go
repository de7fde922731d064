package mysql

import (
	"fmt"
	"strings"

	"github.com/root-talis/revise/op"
)

// Dialect renders schema operations for MySQL and MariaDB.
type Dialect struct{}

func (Dialect) Name() string {
	return "mysql"
}

func (Dialect) AlterColumnNullability(table, column string, existingType op.Type, nullable bool) []string {
	null := "NOT NULL"
	if nullable {
		null = "NULL"
	}

	return []string{fmt.Sprintf(
		"ALTER TABLE %s MODIFY %s %s %s",
		quoteIdent(table),
		quoteIdent(column),
		existingType.SQL(),
		null,
	)}
}

func (Dialect) ColumnQuery() string {
	return "SELECT DATA_TYPE, CHARACTER_MAXIMUM_LENGTH, IS_NULLABLE FROM information_schema.COLUMNS " +
		"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?"
}

func (Dialect) NormalizeType(dataType string) string {
	switch dataType = strings.ToLower(dataType); dataType {
	case "int":
		return op.Integer.Name
	case "tinyint":
		return op.Boolean.Name
	default:
		return dataType
	}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
