package storage

import (
	"strconv"
	"strings"
)

type dialect struct {
	name       string
	migrations string // directory under migrations/
	dollar     bool   // $1, $2 placeholders
}

var (
	dialectSQLite   = dialect{name: "sqlite", migrations: "migrations/sqlite"}
	dialectPostgres = dialect{name: "postgres", migrations: "migrations/postgres", dollar: true}
)

// rebind rewrites '?' placeholders for dialects that need numbered ones.
func (d dialect) rebind(q string) string {
	if !d.dollar || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
