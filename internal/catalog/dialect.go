package catalog

import (
	"strconv"
	"strings"
)

// Dialect selects backend-specific SQL behavior. Upper layers always write
// `?` placeholders; the store rewrites them before execution.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rewrite converts canonical `?` placeholders into the dialect's native
// form. Placeholders inside single-quoted literals are left untouched.
func (d Dialect) Rewrite(stmt string) string {
	if d != DialectPostgres || !strings.ContainsRune(stmt, '?') {
		return stmt
	}

	var b strings.Builder
	b.Grow(len(stmt) + 16)
	n := 0
	inLiteral := false
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
