package preview

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/velikov/florin"
)

const sampleRowsPerTable = 3

// previewSQLite writes the database to a scratch file, opens it
// read-only, and summarizes tables with row counts and sample rows.
func (t *Tool) previewSQLite(data []byte, maxRows int) (*florin.ToolResult, error) {
	tmp, err := os.CreateTemp("", "florin-preview-*.db")
	if err != nil {
		return nil, fmt.Errorf("preview_file: temp db: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("preview_file: write db: %w", err)
	}
	tmp.Close()

	db, err := sql.Open("sqlite", "file:"+tmp.Name()+"?mode=ro")
	if err != nil {
		return florin.ErrorResult("cannot open SQLite database: %v", err), nil
	}
	defer db.Close()

	tables, err := listTables(db)
	if err != nil {
		return florin.ErrorResult("cannot read SQLite schema: %v", err), nil
	}
	if len(tables) == 0 {
		return florin.TextResult("SQLite database with no tables."), nil
	}
	if len(tables) > maxRows {
		tables = tables[:maxRows]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SQLite database, %d tables:\n", len(tables))
	for _, table := range tables {
		count := rowCount(db, table)
		fmt.Fprintf(&b, "\n%s (%d rows)\n", table, count)
		if count > 0 {
			sampleRows(db, table, &b)
		}
	}
	return florin.TextResult(b.String()), nil
}

func listTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func rowCount(db *sql.DB, table string) int64 {
	var n int64
	if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&n); err != nil {
		return -1
	}
	return n
}

func sampleRows(db *sql.DB, table string, b *strings.Builder) {
	rows, err := db.Query(fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteIdent(table), sampleRowsPerTable))
	if err != nil {
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return
	}
	b.WriteString("  ")
	b.WriteString(strings.Join(cols, " | "))
	b.WriteByte('\n')

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = renderCell(v)
		}
		b.WriteString("  ")
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
}

func renderCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if len(x) > 40 {
			return fmt.Sprintf("<blob %d bytes>", len(x))
		}
		return string(x)
	default:
		s := fmt.Sprintf("%v", x)
		if len(s) > 60 {
			s = s[:60] + "…"
		}
		return s
	}
}

// quoteIdent wraps a table name in double quotes, escaping embedded
// quotes, since schema names come from an untrusted file.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
