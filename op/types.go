package op

import (
	"fmt"
	"strings"
)

// Type is a declared column type. Name is the lower-case information_schema
// spelling shared by MySQL and PostgreSQL.
type Type struct {
	Name   string
	Length int
}

var (
	Text    = Type{Name: "text"}
	Integer = Type{Name: "integer"}
	Boolean = Type{Name: "boolean"}
)

func Varchar(length int) Type {
	return Type{Name: "varchar", Length: length}
}

func sized(t Type) bool {
	return t.Length > 0 || t.Name == "varchar"
}

// SQL renders the type as used in DDL.
func (t Type) SQL() string {
	if t.Length > 0 {
		return fmt.Sprintf("%s(%d)", strings.ToUpper(t.Name), t.Length)
	}
	return strings.ToUpper(t.Name)
}
