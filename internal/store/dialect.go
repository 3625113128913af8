package store

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the supported drivers.
type Dialect struct {
	Name          string
	TimestampType string
	BoolType      string
	// distinct is the null-safe inequality operator.
	distinct    string
	placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Name:          "sqlite",
		TimestampType: "DATETIME",
		BoolType:      "INTEGER",
		distinct:      "IS NOT",
		placeholder:   func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:          "postgres",
		TimestampType: "TIMESTAMPTZ",
		BoolType:      "BOOLEAN",
		distinct:      "IS DISTINCT FROM",
		placeholder:   func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// DialectFor maps a store.driver setting to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported store driver %q", driver)
}

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	return d.placeholder(n)
}

// UpsertSQL builds an INSERT that updates non-key columns on key conflict, but
// only when at least one of them differs. An unchanged row therefore reports
// zero affected rows on both drivers. created_at is set on insert only.
func (d Dialect) UpsertSQL(table string, keys []string, row Row) (string, []any) {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	cols := make([]string, 0, len(row)+2)
	marks := make([]string, 0, len(row)+2)
	args := make([]any, 0, len(row)+2)
	var sets, diffs []string
	for _, c := range row {
		cols = append(cols, c.Name)
		args = append(args, c.Value)
		marks = append(marks, d.Placeholder(len(args)))
		if _, isKey := keySet[c.Name]; isKey {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
		diffs = append(diffs, fmt.Sprintf("%s.%s %s excluded.%s", table, c.Name, d.distinct, c.Name))
	}
	cols = append(cols, "created_at", "updated_at")
	marks = append(marks, "CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(keys, ", "))
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
		return b.String(), args
	}
	sets = append(sets, "updated_at = excluded.updated_at")
	fmt.Fprintf(&b, "DO UPDATE SET %s WHERE %s",
		strings.Join(sets, ", "), strings.Join(diffs, " OR "))
	return b.String(), args
}
