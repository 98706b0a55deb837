package chatvault

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type dialect struct {
	name          string
	driver        string
	gooseDialect  goose.Dialect
	migrationsDir string
	numbered      bool
}

var (
	sqliteDialect = dialect{
		name:          "sqlite",
		driver:        "sqlite",
		gooseDialect:  goose.DialectSQLite3,
		migrationsDir: "migrations/sqlite",
	}
	postgresDialect = dialect{
		name:          "postgres",
		driver:        "postgres",
		gooseDialect:  goose.DialectPostgres,
		migrationsDir: "migrations/postgres",
		numbered:      true,
	}
)

// rebind rewrites ? placeholders into the dialect's native form.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, d.migrationsDir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(d.gooseDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("init %s migrations: %w", d.name, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply %s migrations: %w", d.name, err)
	}
	return nil
}
